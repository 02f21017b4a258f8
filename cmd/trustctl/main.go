package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/trustroll/internal/flags"
	"github.com/dropDatabas3/trustroll/internal/keys"
	"github.com/dropDatabas3/trustroll/internal/kv"
	"github.com/dropDatabas3/trustroll/internal/observability/logger"
	"github.com/dropDatabas3/trustroll/internal/security/secretbox"
	"github.com/dropDatabas3/trustroll/internal/verify"
)

type client struct {
	BaseURL   string
	APIKey    string
	Actor     string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-Admin-API-Key", c.APIKey)
	}
	if c.Actor != "" {
		req.Header.Set("X-Admin-Actor", c.Actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

// call ejecuta el request y falla si el status no es 2xx.
func (c *client) call(name, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}
	status, resp, err := c.do(method, path, body)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("%s fallo: status=%d body=%s", name, status, strings.TrimSpace(string(resp)))
	}
	return resp, nil
}

func (c *client) print(body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func (c *client) requireKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("falta API key (flag --admin-api-key o env TRUST_ADMIN_KEY)")
	}
	return nil
}

// simple arma un comando admin sin argumentos.
func simple(cl *client, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			b, err := cl.call(use, method, path, nil)
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}
}

func main() {
	cl := &client{
		BaseURL:   envOr("TRUST_URL", "http://localhost:8080"),
		APIKey:    envOr("TRUST_ADMIN_KEY", ""),
		Actor:     envOr("TRUST_ACTOR", os.Getenv("USER")),
		OutFormat: envOr("TRUST_OUT", "text"),
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}

	root := &cobra.Command{
		Use:          "trustctl",
		Short:        "CLI de operación para trustd",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cl.BaseURL, "url", cl.BaseURL, "URL base de trustd (env TRUST_URL)")
	root.PersistentFlags().StringVar(&cl.APIKey, "admin-api-key", cl.APIKey, "API key de admin (env TRUST_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&cl.Actor, "actor", cl.Actor, "Nombre del operador para el audit log (env TRUST_ACTOR)")
	root.PersistentFlags().StringVar(&cl.OutFormat, "out", cl.OutFormat, "Formato de salida: json|text")

	// keys
	keysCmd := &cobra.Command{Use: "keys", Short: "Claves de firma"}
	keysCmd.AddCommand(
		simple(cl, "rotate", "Pre-publica una clave secundaria (no-op si ya hay una)", http.MethodPost, "/v1/admin/keys/rotate"),
		simple(cl, "promote", "Promueve la secundaria a primaria", http.MethodPost, "/v1/admin/keys/promote"),
		&cobra.Command{
			Use:   "list",
			Short: "Lista las claves publicadas (discovery)",
			RunE: func(cmd *cobra.Command, args []string) error {
				doc, err := fetchDiscovery(cmd.Context(), cl)
				if err != nil {
					return err
				}
				if cl.OutFormat == "json" {
					b, _ := json.Marshal(doc)
					cl.print(b)
					return nil
				}
				for _, k := range doc.Keys {
					role := "secondary"
					if k.IsPrimary {
						role = "primary"
					}
					fmt.Printf("%-9s %s valid %s .. %s\n", role, k.KID,
						k.ValidFrom.Format(time.RFC3339), k.ValidUntil.Format(time.RFC3339))
				}
				return nil
			},
		},
	)

	// kill switch
	killCmd := &cobra.Command{
		Use:       "killswitch on|off",
		Short:     "Activa o desactiva el kill switch global",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			var active bool
			switch strings.ToLower(args[0]) {
			case "on":
				active = true
			case "off":
			default:
				return fmt.Errorf("valor inválido %q (on|off)", args[0])
			}
			b, err := cl.call("killswitch", http.MethodPut, "/v1/admin/kill-switch", map[string]bool{"active": active})
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}

	// overrides
	var overrideIDs []string
	overridesSetCmd := &cobra.Command{
		Use:   "set <feature>",
		Short: "Reemplaza la lista de overrides de una feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			b, err := cl.call("overrides set", http.MethodPut, "/v1/admin/flags/"+args[0]+"/overrides", map[string][]string{"ids": overrideIDs})
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}
	overridesSetCmd.Flags().StringSliceVar(&overrideIDs, "ids", nil, "Device o user IDs (separados por coma)")
	overridesCmd := &cobra.Command{Use: "overrides", Short: "Overrides por feature"}
	overridesCmd.AddCommand(overridesSetCmd)

	// flags
	var ruleFile string
	flagsSetCmd := &cobra.Command{
		Use:   "set <feature>",
		Short: "Crea o reemplaza la regla de una feature desde un YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			raw, err := os.ReadFile(ruleFile)
			if err != nil {
				return err
			}
			var rule flags.Rule
			if err := yaml.Unmarshal(raw, &rule); err != nil {
				return fmt.Errorf("%s: %w", ruleFile, err)
			}
			if err := rule.Validate(); err != nil {
				return err
			}
			b, err := cl.call("flags set", http.MethodPut, "/v1/admin/flags/"+args[0], rule)
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}
	flagsSetCmd.Flags().StringVarP(&ruleFile, "file", "f", "", "YAML con la regla")
	_ = flagsSetCmd.MarkFlagRequired("file")
	flagsDeleteCmd := &cobra.Command{
		Use:   "delete <feature>",
		Short: "Elimina una feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			b, err := cl.call("flags delete", http.MethodDelete, "/v1/admin/flags/"+args[0], nil)
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}
	flagsCmd := &cobra.Command{Use: "flags", Short: "Reglas de features"}
	flagsCmd.AddCommand(flagsSetCmd, flagsDeleteCmd)

	// cohort
	rotateSaltCmd := &cobra.Command{
		Use:   "rotate-salt <feature>",
		Short: "Rota el salt de cohort (reasigna los buckets)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			b, err := cl.call("rotate-salt", http.MethodPost, "/v1/admin/cohorts/"+args[0]+"/rotate-salt", nil)
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}
	cohortCmd := &cobra.Command{Use: "cohort", Short: "Cohorts"}
	cohortCmd.AddCommand(rotateSaltCmd)

	// ops
	scheduleCmd := simple(cl, "schedule", "Estado del ciclo de rotación", http.MethodGet, "/v1/ops/rotation-schedule")
	var alertLimit int
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Últimas alertas de drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.requireKey(); err != nil {
				return err
			}
			b, err := cl.call("alerts", http.MethodGet, "/v1/ops/drift-alerts?limit="+strconv.Itoa(alertLimit), nil)
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		},
	}
	alertsCmd.Flags().IntVar(&alertLimit, "limit", 50, "Cantidad máxima de alertas")

	// verify: lado cliente contra discovery
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Descarga la configuración firmada y la verifica como un cliente",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := fetchDiscovery(cmd.Context(), cl)
			if err != nil {
				return err
			}
			snap, err := keys.SnapshotFromDiscovery(doc)
			if err != nil {
				return err
			}
			p, err := flags.NewHTTPFetcher(cl.BaseURL, cl.HTTP.Timeout).Fetch(cmd.Context(), flags.Identity{})
			if err != nil {
				return err
			}
			res, err := verify.New(verify.StaticKeys{Snap: snap}, verify.Options{Logger: logger.Nop()}).VerifyPayload(p, "")
			if err != nil {
				return fmt.Errorf("verificación fallida (kid=%s): %w", p.KID, err)
			}
			fmt.Printf("ok version=%s kid=%s role=%s issuedAt=%s\n", p.Version, res.KID, res.Role, p.IssuedTime().Format(time.RFC3339))
			return nil
		},
	}

	// eval: Manager completo (fetch + verify + fallback) con caché opcional en disco
	var (
		evalID      flags.Identity
		evalCache   string
		evalFallbck string
	)
	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Evalúa las flags para una identidad, como lo haría un dispositivo",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := flags.ParseFallbackPolicy(evalFallbck)
			if err != nil {
				return err
			}
			doc, err := fetchDiscovery(cmd.Context(), cl)
			if err != nil {
				return err
			}
			snap, err := keys.SnapshotFromDiscovery(doc)
			if err != nil {
				return err
			}
			var store kv.Store
			if evalCache != "" {
				if store, err = kv.NewFS(evalCache); err != nil {
					return err
				}
				defer store.Close()
			}
			m := flags.NewManager(
				flags.NewHTTPFetcher(cl.BaseURL, cl.HTTP.Timeout),
				verify.New(verify.StaticKeys{Snap: snap}, verify.Options{Logger: logger.Nop()}),
				store,
				// sin los salts del servidor las reglas con cohort fallan cerradas (cohort_error)
				flags.NewEvaluator(nil, nil),
				flags.ManagerOptions{Fallback: policy, Identity: evalID, Logger: logger.Nop()},
			)
			st, ferr := m.Refresh(cmd.Context())
			if ferr != nil {
				fmt.Fprintf(os.Stderr, "warning: %v (source=%s)\n", ferr, st.Source)
			}
			names := make([]string, 0, len(st.Document.Flags))
			for name := range st.Document.Flags {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Printf("version=%s source=%s\n", st.Version, st.Source)
			for _, name := range names {
				d := m.Decide(cmd.Context(), name)
				fmt.Printf("%-24s %-5t %s\n", name, d.Enabled, d.Reason)
			}
			return nil
		},
	}
	evalCmd.Flags().StringVar(&evalID.DeviceID, "device-id", "", "Device ID")
	evalCmd.Flags().StringVar(&evalID.UserID, "user-id", "", "User ID")
	evalCmd.Flags().StringVar(&evalID.Geo, "geo", "", "Código de país")
	evalCmd.Flags().StringVar(&evalID.DeviceClass, "device-class", "", "Clase de dispositivo")
	evalCmd.Flags().StringVar(&evalID.AppVersion, "app-version", "", "Versión de la app")
	evalCmd.Flags().StringVar(&evalCache, "cache-dir", "", "Directorio para la última configuración verificada")
	evalCmd.Flags().StringVar(&evalFallbck, "fallback", string(flags.FallbackDefaultOff), "Política ante fallos: default_off|cached|last_known")

	genKeyCmd := &cobra.Command{
		Use:   "gen-master-key",
		Short: "Genera una master key (base64) para sellar las claves privadas",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("%s=%s\n", secretbox.EnvVar, k)
			return nil
		},
	}

	root.AddCommand(keysCmd, killCmd, overridesCmd, flagsCmd, cohortCmd, scheduleCmd, alertsCmd, verifyCmd, evalCmd, genKeyCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func fetchDiscovery(ctx context.Context, cl *client) (keys.DiscoveryDocument, error) {
	var doc keys.DiscoveryDocument
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cl.BaseURL, "/")+"/.well-known/trust-keys", nil)
	if err != nil {
		return doc, err
	}
	resp, err := cl.HTTP.Do(req)
	if err != nil {
		return doc, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return doc, fmt.Errorf("discovery: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return doc, fmt.Errorf("discovery: %w", err)
	}
	return doc, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
