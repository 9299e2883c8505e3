package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/roomcast/roomcast/auth"
	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/globals"
	"github.com/roomcast/roomcast/persistence"
	"github.com/roomcast/roomcast/types"
	"github.com/roomcast/roomcast/ws"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	appConfig   *config.Config
	hub         *ws.Hub
	authService *auth.Service
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	var err error
	appConfig, err = config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	if appConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(appConfig.LogLevel))
	}
	if appConfig.AuthConfig.JWTSecret == "" {
		// sessions will not survive a restart
		appConfig.AuthConfig.JWTSecret = uuid.NewString()
		globals.AppLogger.Warn("no auth.jwt_secret configured, using a random one")
	}

	persister, err := persistence.NewPersister(appConfig)
	if err != nil {
		globals.AppLogger.Error("could not set up persistence", "error", err)
		os.Exit(1)
	}
	defer persister.Close()

	authService = auth.NewService(persister, auth.NewBcryptVerifier(appConfig.AuthConfig.BcryptCost))

	hub = ws.NewHub(appConfig, persister)
	go hub.Run()

	router := mux.NewRouter()
	router.HandleFunc("/api/register", registerHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/login", loginHandler).Methods(http.MethodPost)
	router.HandleFunc("/chat", websocketHandler).Methods(http.MethodGet)

	server := &http.Server{Addr: *addr, Handler: router}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		globals.AppLogger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			globals.AppLogger.Error("http shutdown failed", "error", err)
		}
		hub.Stop()
	}()

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = server.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		globals.AppLogger.Error("stopped listening", "error", err)
		os.Exit(1)
	}
	hub.Stop()
}

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *types.User `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func registerHandler(w http.ResponseWriter, r *http.Request) {
	req := registerRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	user, err := authService.Register(req.Username, req.Email, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, "username or email already taken")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	globals.AppLogger.Info("user registered", "user", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

func loginHandler(w http.ResponseWriter, r *http.Request) {
	req := loginRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	user, err := authService.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailure) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		globals.AppLogger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	ttl := time.Duration(appConfig.AuthConfig.TokenTTLMinutes) * time.Minute
	token, err := auth.IssueSessionToken(user.Id, appConfig.AuthConfig.JWTSecret, ttl)
	if err != nil {
		globals.AppLogger.Error("could not issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// authenticateRequest resolves the connecting user from either a session
// token or an OIDC id token. OIDC users are provisioned on first connect.
func authenticateRequest(r *http.Request) (*types.User, error) {
	vals := r.URL.Query()
	if token := vals.Get("token"); token != "" {
		userId, err := auth.VerifySessionToken(token, appConfig.AuthConfig.JWTSecret)
		if err != nil {
			return nil, err
		}
		return hub.Persister.GetUser(userId)
	}
	if idToken := vals.Get("id_token"); idToken != "" {
		provider := vals.Get("provider")
		email, err := auth.AuthenticateOIDC(r.Context(), idToken, provider, appConfig)
		if err != nil {
			return nil, err
		}
		if email == "" {
			return nil, auth.ErrAuthFailure
		}
		user, err := hub.Persister.GetUserByEmail(email)
		if errors.Is(err, persistence.ErrNotFound) {
			username := email
			if at := strings.IndexByte(email, '@'); at > 0 {
				username = email[:at]
			}
			user = &types.User{Username: username, Email: email}
			if createErr := hub.Persister.CreateUser(user); createErr != nil {
				if errors.Is(createErr, persistence.ErrDuplicateKey) {
					// username taken by a password account, disambiguate
					user.Username = username + "-" + uuid.NewString()[:8]
					if retryErr := hub.Persister.CreateUser(user); retryErr != nil {
						return nil, retryErr
					}
					return user, nil
				}
				return nil, createErr
			}
			return user, nil
		}
		return user, err
	}
	return nil, auth.ErrAuthFailure
}

func websocketHandler(w http.ResponseWriter, r *http.Request) {
	user, err := authenticateRequest(r)
	if err != nil {
		globals.AppLogger.Info("websocket auth failed", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	globals.AppLogger.Debug("websocket connected", "user", user.Username)

	c := ws.NewClient(hub, conn, user)
	hub.Attach(c)
	go c.WritePump()
	go c.ReadPump()
	<-c.Done()
	globals.AppLogger.Debug("websocket closed", "user", user.Username)
}
