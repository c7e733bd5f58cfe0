//go:build windows

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"splittun/internal/core"
)

func main() {
	configPath := flag.String("config", "splittun.yaml", "path to engine configuration file")
	flag.Parse()

	bus := core.NewEventBus()
	cm := core.NewConfigManager(*configPath, bus)
	if err := cm.Load(); err != nil {
		core.Log.Fatalf("Main", "failed to load config: %v", err)
	}

	engine := core.NewEngine(bus)
	bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		engine.UpdatePolicy(cm.Get().ToggledApps)
		engine.UpdateMode(cm.Get().Mode)
	})

	if err := engine.Start(cm.Get()); err != nil {
		core.Log.Fatalf("Main", "failed to start engine: %v", err)
	}
	core.Log.Infof("Main", "engine running, config=%s", *configPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	core.Log.Infof("Main", "shutting down")
	engine.Stop()
	core.Log.Close()
}
