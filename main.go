package main

import (
	"flag"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/node"
	"github.com/agentwire/agentwire/lib/util"
	"github.com/agentwire/agentwire/lib/util/logger"
	"github.com/agentwire/agentwire/lib/util/signals"
)

var log = logger.GetAgentwireLogger()

func main() {
	workingDir := flag.String("dir", config.DefaultNodeConfig().WorkingDir, "Path to the node working directory")
	entityID := flag.String("entity", "", "Entity identifier announced to peers (defaults to the key id)")
	flag.Parse()

	config.InitConfig()
	nodeCfg := config.NewNodeConfigFromViper()
	if *workingDir != "" {
		nodeCfg.WorkingDir = *workingDir
	}
	if *entityID != "" {
		nodeCfg.EntityID = *entityID
	}

	go signals.Handle()
	log.Debug("using working directory:", nodeCfg.WorkingDir)
	log.Debug("starting up agentwire node")
	n, err := node.CreateNode(nodeCfg, config.NewSessionConfigFromViper(), config.NewHandshakeConfigFromViper(), nil)
	if err != nil {
		log.Errorf("failed to create agentwire node: %s", err)
		return
	}
	util.RegisterCloser(n)
	signals.RegisterReloadHandler(func() {
		// TODO: reload peer configuration from viper
	})
	signals.RegisterInterruptHandler(func() {
		n.Stop()
	})
	n.Start()
	n.Wait()
	util.CloseAll()
}
