package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mowerlink/internal/auth"
	commandsapp "mowerlink/internal/commands/application"
	commands "mowerlink/internal/commands/domain"
	commandsexport "mowerlink/internal/commands/interfaces"
	"mowerlink/internal/config"
	provisioning "mowerlink/internal/provisioning/application"
	"mowerlink/internal/tr50"
)

func setupCmd() *cobra.Command {
	var imei, name string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register a client key for the mower and store it in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			// The saved file must not pick up secrets from the environment.
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			if name == "" {
				name = cfg.Device.ClientName
			}
			client, err := newTR50Client(cfg)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			svc, err := provisioning.NewService(client, logger)
			if err != nil {
				return err
			}
			result, err := svc.Setup(cmd.Context(), provisioning.SetupRequest{IMEI: imei, ClientName: name})
			if err != nil {
				return err
			}
			cfg.Device.IMEI = result.IMEI
			cfg.Device.ClientName = result.ClientName
			cfg.Device.ClientKey = result.ClientKey
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"imei":        result.IMEI,
					"client_name": result.ClientName,
					"bound_slot":  result.BoundSlot,
					"config":      path,
				})
			}
			fmt.Printf("Connected to mower %s as %q\n", result.IMEI, result.ClientName)
			if result.BoundSlot != "" {
				fmt.Printf("Client bound to %s\n", result.BoundSlot)
			}
			fmt.Printf("Settings saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&imei, "imei", "", "mower IMEI (15 digits)")
	cmd.Flags().StringVar(&name, "name", "", "client name shown on the mower")
	_ = cmd.MarkFlagRequired("imei")
	return cmd
}

func sendCmd() *cobra.Command {
	var params []string
	var timeout time.Duration
	var dryRun bool
	kinds := make([]string, 0, len(commands.Kinds))
	for _, k := range commands.Kinds {
		kinds = append(kinds, string(k))
	}
	cmd := &cobra.Command{
		Use:       "send <kind>",
		Short:     "Issue one command to the mower and wait for the outcome",
		Long:      "Kinds: " + strings.Join(kinds, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			kind := commands.Kind(args[0])
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if dryRun {
				return printDryRun(os.Stdout, cfg, kind, parsed)
			}

			logger := log.New(io.Discard, "", 0)
			if !viper.GetBool("json") {
				logger = log.New(os.Stderr, "", log.LstdFlags)
			}
			req := commandsapp.IssueRequest{Kind: kind, Params: parsed}
			if timeout > 0 {
				req.TimeoutSeconds = int((timeout + time.Second - 1) / time.Second)
			}
			outcome, err := runSend(cmd.Context(), cfg, logger, req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				if err := printJSON(outcome); err != nil {
					return err
				}
			} else {
				renderOutcome(os.Stdout, outcome)
			}
			if !outcome.Succeeded() {
				return fmt.Errorf("command %s: %s", outcome.Kind, outcome.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "command parameter as key=value (JSON values accepted)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "caller timeout (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the TR50 request without sending it")
	return cmd
}

// runSend dispatches one command through a private worker, then stops the
// worker and waits for failure notifications before returning.
func runSend(parent context.Context, cfg *config.Config, logger *log.Logger, req commandsapp.IssueRequest) (commands.Outcome, error) {
	rt, err := buildRuntime(cfg, logger, newHistoryRepo(cfg, nil))
	if err != nil {
		return commands.Outcome{}, err
	}
	ctx, cancel := context.WithCancel(parent)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = rt.dispatcher.Run(ctx)
	}()

	outcome, err := rt.service.Issue(ctx, req)
	cancel()
	<-workerDone
	rt.flush()
	return outcome, err
}

// parseParams turns key=value pairs into a params map. Values that parse
// as JSON keep their JSON type, anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}

func printDryRun(w io.Writer, cfg *config.Config, kind commands.Kind, params map[string]any) error {
	cmd, err := commands.NewRegistry().Validate(kind, params)
	if err != nil {
		return err
	}
	session := commands.Session{Token: "<session>", DeviceID: cfg.Device.IMEI}
	req, err := tr50.BuildRequest(session, cmd, cfg.API.AckTimeout)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(req)
}

func renderOutcome(w io.Writer, outcome commands.Outcome) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Kind", "Status", "Attempts", "Error", "Detail"})
	errText := string(outcome.ErrorKind)
	if outcome.LastErrorKind != "" && outcome.LastErrorKind != outcome.ErrorKind {
		errText = fmt.Sprintf("%s (last: %s)", outcome.ErrorKind, outcome.LastErrorKind)
	}
	tw.AppendRow(table.Row{outcome.Kind, outcome.Status, outcome.Attempts, errText, outcome.Detail})
	tw.Render()
	if len(outcome.Result) > 0 && string(outcome.Result) != "null" {
		fmt.Fprintf(w, "result: %s\n", outcome.Result)
	}
}

func historyCmd() *cobra.Command {
	var fromText, toText, export, out string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed commands from the history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if cfg.Server.DatabaseURL == "" {
				return errors.New("history requires server.database_url or DATABASE_URL")
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			db, err := openDB(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			to := time.Now().UTC()
			if toText != "" {
				if to, err = time.Parse(time.RFC3339, toText); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}
			from := to.Add(-24 * time.Hour)
			if fromText != "" {
				if from, err = time.Parse(time.RFC3339, fromText); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			history, err := commandsapp.NewHistory(newHistoryRepo(cfg, db), logger)
			if err != nil {
				return err
			}
			records, err := history.List(cmd.Context(), from, to)
			if err != nil {
				return err
			}

			if export != "" {
				return writeExport(export, out, commandsexport.HistoryReport{
					DeviceID: cfg.Device.IMEI,
					From:     from,
					To:       to,
					Records:  records,
				})
			}
			if viper.GetBool("json") {
				return printJSON(records)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Completed", "Kind", "Status", "Error", "Attempts", "Detail"})
			for _, rec := range records {
				tw.AppendRow(table.Row{
					rec.CompletedAt.Format(time.RFC3339),
					rec.Kind,
					rec.Status,
					rec.ErrorKind,
					rec.Attempts,
					rec.Detail,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&fromText, "from", "", "window start (RFC3339, default 24h before --to)")
	cmd.Flags().StringVar(&toText, "to", "", "window end (RFC3339, default now)")
	cmd.Flags().StringVar(&export, "export", "", "export format: xlsx or pdf")
	cmd.Flags().StringVar(&out, "out", "", "export file path")
	return cmd
}

func writeExport(format, out string, report commandsexport.HistoryReport) error {
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "xlsx":
		data, err = commandsexport.BuildHistoryXLSX(report)
	case "pdf":
		data, err = commandsexport.BuildHistoryPDF(report)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return err
	}
	if out == "" {
		out = fmt.Sprintf("command-history-%s.%s", report.To.Format("20060102"), strings.ToLower(format))
	}
	if err := os.WriteFile(filepath.Clean(out), data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d records)\n", out, len(report.Records))
	return nil
}

func tokenCmd() *cobra.Command {
	var subject, roleText string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret or AUTH_JWT_SECRET is required")
			}
			role, ok := auth.NormalizeRole(roleText)
			if !ok {
				return fmt.Errorf("invalid role %q", roleText)
			}
			token, err := auth.IssueToken([]byte(cfg.Server.JWTSecret), subject, role, cfg.Device.IMEI, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&roleText, "role", string(auth.RoleOperator), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
