package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/worker"
)

// engineOpts are the face engine flags shared by watch, enroll and identify.
type engineOpts struct {
	Python string
	Script string
}

func (o engineOpts) config() worker.Config {
	cfg := worker.Config{
		Python: Cfg.Engine.Python,
		Script: Cfg.Engine.Script,
		Args:   Cfg.Engine.Args,
		Dim:    Cfg.Engine.Dimension,
	}
	if strings.TrimSpace(o.Python) != "" {
		cfg.Python = o.Python
	}
	if strings.TrimSpace(o.Script) != "" {
		cfg.Script = o.Script
	}
	return cfg
}

func startEngine(o engineOpts) (*worker.PythonWorker, error) {
	w, err := worker.NewPythonWorker(0, o.config())
	if err != nil {
		return nil, fmt.Errorf("failed to start face engine: %w", err)
	}
	return w, nil
}

func loadRegistry(ctx context.Context) (*registry.Registry, error) {
	reg, err := registry.Load(ctx, DB, Cfg.Engine.Dimension, Logger)
	if err != nil {
		return nil, err
	}
	Logger.Info("registry loaded", "identities", reg.Len(), "dimension", reg.Dim())
	return reg, nil
}

func addEngineFlags(c *cobra.Command, o *engineOpts) {
	c.Flags().StringVar(&o.Python, "python", "", "Python interpreter for the face engine (overrides config)")
	c.Flags().StringVar(&o.Script, "engine-script", "", "Face engine script (overrides config)")
}
