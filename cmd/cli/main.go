package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"judgecore/internal/cli/command"
	"judgecore/internal/cli/config"
	httpclient "judgecore/internal/cli/http"
	"judgecore/internal/cli/repl"
	"judgecore/internal/cli/state"
)

const defaultConfigPath = "configs/cli.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	submitBase := flag.String("submit-base", "", "Override submit service base URL")
	judgeBase := flag.String("judge-base", "", "Override judge admin base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	statePath := flag.String("state", "", "Override session state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}
	if *submitBase != "" {
		cfg.SubmitBaseURL = *submitBase
	}
	if *judgeBase != "" {
		cfg.JudgeBaseURL = *judgeBase
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	sessionState, err := state.Load(cfg.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session state failed: %v\n", err)
		return
	}

	client := httpclient.New(map[string]string{
		"submit": cfg.SubmitBaseURL,
		"judge":  cfg.JudgeBaseURL,
	}, cfg.Timeout)

	commands := command.Registry()
	session := repl.New(client, commands, &sessionState, cfg.StatePath, cfg.HistoryPath, cfg.PrettyJSON != nil && *cfg.PrettyJSON)
	if err := session.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "repl failed: %v\n", err)
	}
}
