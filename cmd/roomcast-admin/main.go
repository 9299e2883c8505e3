package main

import (
	"fmt"
	"os"
	"time"

	"github.com/roomcast/roomcast/auth"
	"github.com/roomcast/roomcast/config"
	"github.com/roomcast/roomcast/persistence"
	"github.com/spf13/cobra"
)

// Maintenance commands operating directly on the storage backend. Run these
// against the same configuration as the server, ideally while it is stopped
// (the sqlite backend tolerates concurrent access, buntdb does not).

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "roomcast-admin",
		Short: "maintenance tool for the roomcast storage backend",
	}
)

func newPersister() (persistence.Persister, error) {
	cfg, err := config.ReadConfiguration(configPath, config.GetFlagSet())
	if err != nil {
		return nil, err
	}
	return persistence.NewPersister(cfg)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")

	createUserCmd := &cobra.Command{
		Use:   "create-user USERNAME EMAIL PASSWORD",
		Short: "create a user account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPersister()
			if err != nil {
				return err
			}
			defer p.Close()
			service := auth.NewService(p, auth.NewBcryptVerifier(0))
			user, err := service.Register(args[0], args[1], args[2], "")
			if err != nil {
				return err
			}
			cmd.Printf("created user %s (id %d)\n", user.Username, user.Id)
			return nil
		},
	}

	listRoomsCmd := &cobra.Command{
		Use:   "list-rooms",
		Short: "list all rooms with their member counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPersister()
			if err != nil {
				return err
			}
			defer p.Close()
			rooms, err := p.GetRooms()
			if err != nil {
				return err
			}
			for _, room := range rooms {
				members, err := p.MembersOfRoom(room.Id)
				if err != nil {
					return err
				}
				cmd.Printf("%6d  %-30s  %-30s  %d members\n", room.Id, room.Slug, room.Name, len(members))
			}
			return nil
		},
	}

	var pruneDays int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "delete messages older than the given number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pruneDays <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			p, err := newPersister()
			if err != nil {
				return err
			}
			defer p.Close()
			pruned, err := p.PruneMessagesBefore(time.Now().AddDate(0, 0, -pruneDays))
			if err != nil {
				return err
			}
			cmd.Printf("pruned %d messages\n", pruned)
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "prune messages older than this many days")

	rootCmd.AddCommand(createUserCmd, listRoomsCmd, pruneCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
