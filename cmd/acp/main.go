// Copyright 2025 The Analyst Copilot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command acp runs the analyst copilot platform.
//
// Usage:
//
//	acp serve-ingest --config config.yaml
//	acp serve-agents --config config.yaml
//	acp verify-audit --config config.yaml --limit 1000
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/config"
	"github.com/MartinT518/Analyst-copilot-sub000/pkg/logger"
)

// Exit codes: 1 means the configuration failed validation, 2 means a
// required dependency could not be reached.
const (
	exitConfigInvalid    = 1
	exitDependencyFailed = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Version     VersionCmd     `cmd:"" help:"Show version information."`
	ServeIngest ServeIngestCmd `cmd:"" name:"serve-ingest" help:"Start the ingest service (uploads, search, auth, exports)."`
	ServeAgents ServeAgentsCmd `cmd:"" name:"serve-agents" help:"Start the agents service (workflow engine)."`
	VerifyAudit VerifyAuditCmd `cmd:"" name:"verify-audit" help:"Verify the audit chain hash links."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text, json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("acp version %s\n", version)
	return nil
}

// loadConfig resolves the deployment configuration and initializes the
// process logger from it, letting CLI flags win.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	logger.Init(logger.ParseLevel(level), os.Stderr, format)
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acp"),
		kong.Description("Analyst copilot - knowledge ingestion and agent workflows"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var verr *config.ValidationErrors
		if errors.As(err, &verr) {
			os.Exit(exitConfigInvalid)
		}
		os.Exit(exitDependencyFailed)
	}
}
