package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/util"

	cli "github.com/urfave/cli/v2"
)

var reloadFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "reload-url",
		Usage:   "base URL of a running warden admin API, to reload rules after changes",
		EnvVars: []string{"WARDEN_RELOAD_URL"},
	},
	&cli.StringFlag{
		Name:    "admin-token",
		Usage:   "bearer token for the admin API",
		EnvVars: []string{"WARDEN_ADMIN_TOKEN"},
	},
}

var rulesCmd = &cli.Command{
	Name:  "rules",
	Usage: "manage stored rule definitions",
	Subcommands: []*cli.Command{
		{
			Name:      "import",
			Usage:     "create or replace rules from JSON files (a rule object or an array of them)",
			ArgsUsage: "<file.json>...",
			Flags:     reloadFlags,
			Action:    runRulesImport,
		},
		{
			Name:  "list",
			Usage: "list stored rules",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "json",
					Usage: "print full rule definitions as JSON",
				},
			},
			Action: runRulesList,
		},
		{
			Name:      "show",
			Usage:     "print one rule definition as JSON",
			ArgsUsage: "<rule-id>",
			Action:    runRulesShow,
		},
		{
			Name:      "delete",
			Usage:     "delete a rule",
			ArgsUsage: "<rule-id>",
			Flags:     reloadFlags,
			Action:    runRulesDelete,
		},
		{
			Name:      "enable",
			Usage:     "enable a rule",
			ArgsUsage: "<rule-id>",
			Flags:     reloadFlags,
			Action:    runRulesSetEnabled(true),
		},
		{
			Name:      "disable",
			Usage:     "disable a rule",
			ArgsUsage: "<rule-id>",
			Flags:     reloadFlags,
			Action:    runRulesSetEnabled(false),
		},
	},
}

// Decodes one rule object, or an array of rule objects.
func parseRules(b []byte) ([]bdl.RuleDefinition, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var rules []bdl.RuleDefinition
		if err := json.Unmarshal(b, &rules); err != nil {
			return nil, err
		}
		return rules, nil
	}
	var rule bdl.RuleDefinition
	if err := json.Unmarshal(b, &rule); err != nil {
		return nil, err
	}
	return []bdl.RuleDefinition{rule}, nil
}

func runRulesImport(cctx *cli.Context) error {
	if cctx.Args().Len() == 0 {
		return fmt.Errorf("at least one rule file is required")
	}
	var rules []bdl.RuleDefinition
	for _, path := range cctx.Args().Slice() {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		parsed, err := parseRules(b)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for i := range parsed {
			if err := parsed[i].Validate(); err != nil {
				return fmt.Errorf("%s: rule %q: %w", path, parsed[i].ID, err)
			}
		}
		rules = append(rules, parsed...)
	}

	st, err := openStore(cctx)
	if err != nil {
		return err
	}
	for i := range rules {
		if err := st.SaveRule(cctx.Context, &rules[i]); err != nil {
			return err
		}
		fmt.Printf("imported %s (%s)\n", rules[i].ID, rules[i].Name)
	}
	return notifyReload(cctx)
}

func runRulesList(cctx *cli.Context) error {
	st, err := openStore(cctx)
	if err != nil {
		return err
	}
	rules, loadErrs, err := st.ListRules(cctx.Context, false)
	if err != nil {
		return err
	}
	if cctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rules); err != nil {
			return err
		}
	} else {
		for _, r := range rules {
			state := "disabled"
			if r.Enabled {
				state = "enabled"
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.ServerID, state, triggerSummary(&r.Trigger), r.ExecutionCount, r.Name)
		}
	}
	for _, le := range loadErrs {
		fmt.Fprintf(os.Stderr, "%s\n", le.Error())
	}
	return nil
}

func triggerSummary(t *bdl.Trigger) string {
	switch t.Type {
	case bdl.TriggerEvent:
		return "event:" + t.Event
	case bdl.TriggerSchedule:
		return "schedule:" + strings.ReplaceAll(t.Cron, " ", "_")
	case bdl.TriggerCustom:
		return "custom:" + t.Name
	}
	return string(t.Type)
}

func runRulesShow(cctx *cli.Context) error {
	id := cctx.Args().First()
	if id == "" {
		return fmt.Errorf("rule id is required")
	}
	st, err := openStore(cctx)
	if err != nil {
		return err
	}
	rule, err := st.GetRule(cctx.Context, id)
	if err != nil {
		return fmt.Errorf("rule %s: %w", id, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rule)
}

func runRulesDelete(cctx *cli.Context) error {
	id := cctx.Args().First()
	if id == "" {
		return fmt.Errorf("rule id is required")
	}
	st, err := openStore(cctx)
	if err != nil {
		return err
	}
	if err := st.DeleteRule(cctx.Context, id); err != nil {
		return fmt.Errorf("rule %s: %w", id, err)
	}
	fmt.Printf("deleted %s\n", id)
	return notifyReload(cctx)
}

func runRulesSetEnabled(enabled bool) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		id := cctx.Args().First()
		if id == "" {
			return fmt.Errorf("rule id is required")
		}
		st, err := openStore(cctx)
		if err != nil {
			return err
		}
		if err := st.SetEnabled(cctx.Context, id, enabled); err != nil {
			return fmt.Errorf("rule %s: %w", id, err)
		}
		return notifyReload(cctx)
	}
}

// Asks a running daemon to reload its rules, if --reload-url is set.
func notifyReload(cctx *cli.Context) error {
	base := cctx.String("reload-url")
	if base == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(cctx.Context, http.MethodPost, strings.TrimSuffix(base, "/")+"/admin/rules/reload", nil)
	if err != nil {
		return err
	}
	if token := cctx.String("admin-token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := util.RobustHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("requesting rule reload: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rule reload failed: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var report ReloadResponse
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("decoding reload response: %w", err)
	}
	fmt.Printf("reloaded: %d rules loaded, %d scheduled\n", report.Loaded, report.Scheduled)
	for id, msg := range report.Errors {
		fmt.Fprintf(os.Stderr, "rule %s not loaded: %s\n", id, msg)
	}
	return nil
}
