package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "roomcast",
	Level: hclog.LevelFromString("INFO"),
})
