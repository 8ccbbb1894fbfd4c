package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carbon-dna/ledger/pkg/client"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carbonctl",
	Short: "Carbon emission ledger CLI",
	Long: `carbonctl is the command-line interface for the carbon emission ledger.

It appends and amends emission records, inspects chain heads, closes
daily Merkle anchors, and runs tamper verification against a ledgerd
instance.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.carbonctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.carbonctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "ingest bearer token for write commands")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(amendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{client.WithTimeout(15 * time.Second)}
	if authToken != "" {
		opts = append(opts, client.WithToken(authToken))
	}
	return client.New(ledgerURL, opts...)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parsePayload merges --json with repeated --field k=v flags. Field values
// are parsed as numbers or booleans when they look like one.
func parsePayload(jsonArg string, fields []string) (map[string]any, error) {
	payload := map[string]any{}
	if jsonArg != "" {
		if err := json.Unmarshal([]byte(jsonArg), &payload); err != nil {
			return nil, fmt.Errorf("parse --json: %w", err)
		}
	}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --field %q, expected key=value", f)
		}
		payload[k] = coerceValue(v)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload: pass --json or at least one --field")
	}
	return payload, nil
}

func coerceValue(v string) any {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if v == "null" {
		return nil
	}
	return v
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendPartition string
	appendFields    []string
	appendJSON      string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a new emission record to a partition",
	Long: `Append seals a new emission record onto a partition's hash chain.

Payload fields are flat scalars (strings, numbers, booleans, null):

  carbonctl append --partition acme-corp \
      --field scope=scope_2 --field emissions_tco2e=1204.5 \
      --field source=electricity`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(appendJSON, appendFields)
		if err != nil {
			return err
		}
		rec, err := newClient().AppendRecord(context.Background(), appendPartition, payload)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendPartition, "partition", "", "target partition (e.g. the reporting organization)")
	appendCmd.Flags().StringArrayVar(&appendFields, "field", nil, "payload field as key=value (repeatable)")
	appendCmd.Flags().StringVar(&appendJSON, "json", "", "payload as a JSON object")
	_ = appendCmd.MarkFlagRequired("partition")
}

// ── amend ────────────────────────────────────────────────────────────────────

var (
	amendFields []string
	amendJSON   string
)

var amendCmd = &cobra.Command{
	Use:   "amend <record-id>",
	Short: "Append a correction record superseding an existing one",
	Long: `Amend never rewrites history: it appends a new record carrying a
"supersedes" reference to the original, which stays in the chain untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid record id: %w", err)
		}
		payload, err := parsePayload(amendJSON, amendFields)
		if err != nil {
			return err
		}
		rec, err := newClient().AmendRecord(context.Background(), id, payload)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func init() {
	amendCmd.Flags().StringArrayVar(&amendFields, "field", nil, "payload field as key=value (repeatable)")
	amendCmd.Flags().StringVar(&amendJSON, "json", "", "payload as a JSON object")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <record-id>",
	Short: "Fetch a record by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid record id: %w", err)
		}
		rec, err := newClient().GetRecord(context.Background(), id)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <partition>",
	Short: "Show the current chain head hash of a partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		head, err := newClient().Head(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(head)
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run tamper verification",
}

var verifyRecordCmd = &cobra.Command{
	Use:   "record <record-id>",
	Short: "Recompute and check a single record's hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid record id: %w", err)
		}
		res, err := newClient().VerifyRecord(context.Background(), id)
		if err != nil {
			return err
		}
		return printVerification(res)
	},
}

var (
	verifyFromID string
	verifyToID   string
)

var verifyChainCmd = &cobra.Command{
	Use:   "chain <partition>",
	Short: "Walk a partition's hash chain and report the first divergence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromID, err := parseOptionalID(verifyFromID)
		if err != nil {
			return err
		}
		toID, err := parseOptionalID(verifyToID)
		if err != nil {
			return err
		}
		res, err := newClient().VerifyChain(context.Background(), args[0], fromID, toID)
		if err != nil {
			return err
		}
		return printVerification(res)
	},
}

var verifyAnchorCmd = &cobra.Command{
	Use:   "anchor <partition> <period>",
	Short: "Check a period's records against its stored Merkle anchor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().VerifyAnchor(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		return printVerification(res)
	},
}

func init() {
	verifyChainCmd.Flags().StringVar(&verifyFromID, "from", "", "start record id (default: partition start)")
	verifyChainCmd.Flags().StringVar(&verifyToID, "to", "", "end record id (default: chain head)")
	verifyCmd.AddCommand(verifyRecordCmd)
	verifyCmd.AddCommand(verifyChainCmd)
	verifyCmd.AddCommand(verifyAnchorCmd)
}

func parseOptionalID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid record id %q: %w", s, err)
	}
	return id, nil
}

func printVerification(res *client.VerificationResult) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		os.Exit(2)
	}
	return nil
}

// ── anchor ───────────────────────────────────────────────────────────────────

var anchorCmd = &cobra.Command{
	Use:   "anchor <partition> [period]",
	Short: "Close a UTC calendar day under a Merkle anchor",
	Long: `Anchor computes the Merkle root over a day's record hashes and stores
it as an immutable commitment. Without a period argument it anchors
yesterday (UTC). Re-anchoring an unchanged period is a no-op.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		period := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		if len(args) == 2 {
			period = args[1]
		}
		anchor, err := newClient().AnchorPeriod(context.Background(), args[0], period)
		if err != nil {
			return err
		}
		return printJSON(anchor)
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenSubject string

var tokenCmd = &cobra.Command{
	Use:   "token <api-key>",
	Short: "Exchange the deployment API key for an ingest token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := newClient().Token(context.Background(), args[0], tokenSubject)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "subject claim for the issued token")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the carbonctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("carbonctl", version)
	},
}
