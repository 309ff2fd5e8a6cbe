package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/broker"
	"github.com/deepnoodle-ai/cascade/engine"
	"github.com/deepnoodle-ai/cascade/registry"
	"github.com/deepnoodle-ai/cascade/script"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/store"
)

func main() {
	var entrypointsDir string
	var dbPath string
	var entrypointID string
	var version string
	var inputJSON string
	var timeout string
	var logLevel string
	var watch bool
	var showTimeline bool

	flag.StringVar(&entrypointsDir, "entrypoints", "", "Directory of entrypoint definition files (YAML or JSON)")
	flag.StringVar(&dbPath, "db", "", "Path to the SQLite database (empty for in-memory state)")
	flag.StringVar(&entrypointID, "run", "", "Entrypoint id to invoke")
	flag.StringVar(&version, "version", "", "Entrypoint version (defaults to latest)")
	flag.StringVar(&inputJSON, "input", "{}", "Invocation input as a JSON object")
	flag.StringVar(&timeout, "timeout", "30m", "Timeout for the entire operation")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&watch, "watch", false, "Reload entrypoint definitions on change")
	flag.BoolVar(&showTimeline, "timeline", false, "Print the invocation timeline after completion")
	flag.Parse()

	if entrypointsDir == "" || entrypointID == "" {
		fmt.Println("Usage: cascade -entrypoints=<dir> -run=<entrypoint-id> [-input='{...}']")
		flag.PrintDefaults()
		os.Exit(1)
	}

	timeoutDuration, err := time.ParseDuration(timeout)
	if err != nil {
		fmt.Printf("Invalid timeout format: %v\n", err)
		os.Exit(1)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		fmt.Printf("Invalid input JSON: %v\n", err)
		os.Exit(1)
	}

	logger := slogger.New(slogger.LevelFromString(logLevel))

	ctx, cancel := context.WithTimeout(context.Background(), timeoutDuration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger)
	if err := reg.LoadDirectory(entrypointsDir); err != nil {
		logger.Error("failed to load entrypoints", "dir", entrypointsDir, "error", err)
		os.Exit(1)
	}
	if watch {
		if err := reg.Watch(ctx, entrypointsDir); err != nil {
			logger.Error("failed to watch entrypoints", "dir", entrypointsDir, "error", err)
			os.Exit(1)
		}
	}

	var invocationStore cascade.InvocationStore
	if dbPath != "" {
		sqliteStore, err := store.NewSQLiteStore(dbPath, store.DefaultSQLiteOptions())
		if err != nil {
			logger.Error("failed to open database", "path", dbPath, "error", err)
			os.Exit(1)
		}
		defer sqliteStore.Close()
		invocationStore = sqliteStore
	} else {
		invocationStore = store.NewMemoryStore()
	}

	controller, err := engine.New(engine.Options{
		Store:    invocationStore,
		Broker:   broker.NewMemoryBroker(),
		Registry: reg,
		Loader:   script.NewLoader(logger),
		Caller:   engine.NewHTTPCaller(nil),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to start controller", "error", err)
		os.Exit(1)
	}
	defer controller.Close()

	// re-launch anything a previous process left behind
	if err := controller.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	}

	started := time.Now()
	inv, err := controller.Submit(ctx, engine.SubmitOptions{
		EntrypointID: entrypointID,
		Version:      version,
		Mode:         cascade.ModeSync,
		Input:        input,
	})
	if err != nil {
		logger.Error("invocation failed to submit", "entrypoint", entrypointID, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Invocation %s finished with status %s in %s\n",
		inv.ID, inv.Status, time.Since(started).Round(time.Millisecond))

	if inv.Output != nil {
		rendered, err := json.MarshalIndent(inv.Output, "", "  ")
		if err == nil {
			fmt.Println(string(rendered))
		}
	}
	if inv.Error != nil {
		fmt.Printf("Error: [%s] %s\n", inv.Error.Code, inv.Error.Message)
	}

	if showTimeline {
		events, err := controller.Timeline(ctx, inv.ID, 0)
		if err != nil {
			logger.Warn("failed to load timeline", "error", err)
		}
		for _, event := range events {
			fmt.Printf("%4d  %-24s %s %s\n",
				event.Sequence, event.EventType, event.StepName,
				event.Timestamp.Format(time.RFC3339))
		}
	}

	if inv.Status != cascade.StatusSucceeded {
		os.Exit(1)
	}
}
