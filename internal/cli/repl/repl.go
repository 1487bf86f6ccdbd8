package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"judgecore/internal/cli/command"
	httpclient "judgecore/internal/cli/http"
	"judgecore/internal/cli/state"
	pkgerrors "judgecore/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const promptText = "judgecore> "

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	session      *state.SessionState
	statePath    string
	historyPath  string
	prettyJSON   bool
	reader       *readline.Instance
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, sessionState *state.SessionState, statePath, historyPath string, prettyJSON bool) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		session:      sessionState,
		statePath:    statePath,
		historyPath:  historyPath,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(os.Stdout),
	}
}

func (s *Session) Run(ctx context.Context) error {
	reader, err := readline.NewEx(&readline.Config{
		Prompt:          promptText,
		HistoryFile:     s.historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    buildCompleter(s.commands),
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = reader.Close() }()
	s.reader = reader

	for {
		line, err := reader.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if s.handleSystemCommand(line) {
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
	s.printLine("bye")
	return nil
}

func buildCompleter(commands map[string]command.Command) *readline.PrefixCompleter {
	actions := map[string][]string{}
	for _, cmd := range commands {
		actions[cmd.Service] = append(actions[cmd.Service], cmd.Action)
	}
	services := make([]string, 0, len(actions))
	for service := range actions {
		services = append(services, service)
	}
	sort.Strings(services)

	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("set",
			readline.PcItem("base", readline.PcItem("submit"), readline.PcItem("judge")),
			readline.PcItem("timeout"),
		),
		readline.PcItem("show",
			readline.PcItem("config"),
			readline.PcItem("last"),
		),
	}
	for _, service := range services {
		names := actions[service]
		sort.Strings(names)
		children := make([]readline.PrefixCompleterInterface, 0, len(names))
		for _, action := range names {
			children = append(children, readline.PcItem(action))
		}
		items = append(items, readline.PcItem(service, children...))
	}
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 3 {
			s.printLine("usage: set base submit|judge http://127.0.0.1:8080")
			return
		}
		service := parts[1]
		if service != "submit" && service != "judge" {
			s.printLine("unknown service: %s", service)
			return
		}
		s.client.SetBaseURL(service, parts[2])
		s.printLine("%s base set to %s", service, parts[2])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "config":
		s.printLine("submit base: %s", s.client.BaseURL("submit"))
		s.printLine("judge base:  %s", s.client.BaseURL("judge"))
		s.printLine("timeout:     %s", s.client.Timeout())
		s.printLine("state path:  %s", s.statePath)
	case "last":
		if s.session.LastSubmissionID == "" {
			s.printLine("last submission: <none>")
			return
		}
		s.printLine("last submission: %s (submitted %s)", s.session.LastSubmissionID, s.session.SubmittedAt.Format(time.RFC3339))
	default:
		s.printLine("usage: show config|last")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}
	params.Canonicalize(cmd.Fields)

	s.applyParamShortcuts(&cmd, params)
	if err := s.promptMissing(&cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, cmd.Service, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(cmd, resp)
	s.updateLastSubmission(cmd, resp.Body)
	return nil
}

func (s *Session) applyParamShortcuts(cmd *command.Command, params command.Params) {
	if cmd.Service == "submit" && cmd.Action == "create" {
		if params.Get("source_file") != "" && params.Get("source_code") == "" {
			params.Set("source_code", "_file_")
		}
		return
	}
	needsID := (cmd.Service == "submit" && (cmd.Action == "status" || cmd.Action == "result")) ||
		(cmd.Service == "judge" && cmd.Action == "kill")
	if needsID && params.Get("id") == "" && s.session.LastSubmissionID != "" {
		params.Set("id", s.session.LastSubmissionID)
		s.printLine("using last submission %s", s.session.LastSubmissionID)
	}
}

func (s *Session) promptMissing(cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.reader.SetPrompt(prompt + ": ")
	defer s.reader.SetPrompt(promptText)
	line, err := s.reader.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(cmd command.Command, resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if cmd.Service == "submit" && cmd.Action == "result" && s.renderVerdict(resp.Body) {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

// renderVerdict prints the compact one-line view for `submit result`.
// Returns false when the body is not a successful status envelope so
// the caller falls back to the raw response.
func (s *Session) renderVerdict(body []byte) bool {
	type statusData struct {
		SubmissionID string `json:"submission_id"`
		Status       string `json:"status"`
		Verdict      string `json:"verdict"`
		Language     string `json:"language"`
		TimeMs       int64  `json:"time_ms"`
		MemoryKB     int64  `json:"memory_kb"`
		FinishedAt   string `json:"finished_at"`
	}
	type respEnvelope struct {
		Code int        `json:"code"`
		Data statusData `json:"data"`
	}
	var resp respEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	if resp.Code != int(pkgerrors.Success) || resp.Data.SubmissionID == "" {
		return false
	}
	data := resp.Data
	if data.Verdict == "" {
		s.printLine("%s [%s] %s: no verdict yet", data.SubmissionID, data.Language, data.Status)
		return true
	}
	s.printLine("%s [%s] %s: %s (%d ms, %d KB)", data.SubmissionID, data.Language, data.Status, data.Verdict, data.TimeMs, data.MemoryKB)
	if data.FinishedAt != "" {
		s.printLine("finished at %s", data.FinishedAt)
	}
	return true
}

func (s *Session) updateLastSubmission(cmd command.Command, body []byte) {
	if cmd.Service != "submit" || cmd.Action != "create" {
		return
	}
	type receiptData struct {
		SubmissionID string `json:"submission_id"`
	}
	type respEnvelope struct {
		Code int         `json:"code"`
		Data receiptData `json:"data"`
	}
	var resp respEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.Code != int(pkgerrors.Success) || resp.Data.SubmissionID == "" {
		return
	}
	s.session.LastSubmissionID = resp.Data.SubmissionID
	s.session.SubmittedAt = time.Now()
	_ = state.Save(s.statePath, *s.session)
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base submit|judge <url> | set timeout <dur> | show config|last")
	s.printLine("examples:")
	s.printLine("  submit create language=cpp source_file=./main.cpp expected_output=42")
	s.printLine("  submit status id=7b0e2f10-92c4-4d6a-9fb3-5a8f6f1c2d3e")
	s.printLine("  submit result")
	s.printLine("  judge active")
	s.printLine("  judge kill id=7b0e2f10-92c4-4d6a-9fb3-5a8f6f1c2d3e")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
