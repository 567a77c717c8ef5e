package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/parsec-cloud/parsec-go/pkg/addr"
	"github.com/parsec-cloud/parsec-go/pkg/config"
	"github.com/parsec-cloud/parsec-go/pkg/log"
	"github.com/parsec-cloud/parsec-go/pkg/metrics"
	"github.com/parsec-cloud/parsec-go/pkg/storage"
	"github.com/parsec-cloud/parsec-go/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "parsec-agent",
	Short: "Parsec agent - end-to-end encrypted file synchronization core",
	Long: `The Parsec agent maintains the local state of an end-to-end encrypted
file sharing client: it validates the server's certificate log, manages
per-realm encryption keys, and synchronizes signed manifests between the
local cache and the server.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"parsec-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the agent config file")

	rootCmd.AddCommand(addrCmd)
	addrCmd.AddCommand(addrParseCmd)
	addrCmd.AddCommand(addrRedirectCmd)
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageInfoCmd)
	rootCmd.AddCommand(metricsCmd)
}

var addrCmd = &cobra.Command{
	Use:   "addr",
	Short: "Inspect and convert parsec3:// addresses",
}

var addrParseCmd = &cobra.Command{
	Use:   "parse <url>",
	Short: "Parse an address and print its components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := addr.ParsecActionAddrFromAny(args[0])
		if err == nil {
			return printActionAddr(action)
		}
		if org, orgErr := addr.ParsecOrganizationAddrFromAny(args[0]); orgErr == nil {
			fmt.Printf("shape: organization\nhost: %s\nport: %d\nssl: %v\norganization: %s\n",
				org.Hostname(), org.Port(), org.UseSSL(), org.OrganizationID())
			return nil
		}
		if server, serverErr := addr.ParsecAddrFromAny(args[0]); serverErr == nil {
			fmt.Printf("shape: server\nhost: %s\nport: %d\nssl: %v\n",
				server.Hostname(), server.Port(), server.UseSSL())
			return nil
		}
		return err
	},
}

func printActionAddr(action addr.ParsecActionAddr) error {
	switch {
	case action.OrganizationBootstrap != nil:
		a := action.OrganizationBootstrap
		fmt.Printf("shape: organization-bootstrap\nhost: %s\nport: %d\nssl: %v\norganization: %s\n",
			a.Hostname(), a.Port(), a.UseSSL(), a.OrganizationID())
		if token := a.Token(); token != nil {
			fmt.Printf("token: %s\n", token.Hex())
		}
	case action.OrganizationFileLink != nil:
		a := action.OrganizationFileLink
		fmt.Printf("shape: file-link\nhost: %s\nport: %d\nssl: %v\norganization: %s\nworkspace: %s\n",
			a.Hostname(), a.Port(), a.UseSSL(), a.OrganizationID(), a.WorkspaceID())
	case action.Invitation != nil:
		a := action.Invitation
		fmt.Printf("shape: invitation\nhost: %s\nport: %d\nssl: %v\norganization: %s\ntype: %s\ntoken: %s\n",
			a.Hostname(), a.Port(), a.UseSSL(), a.OrganizationID(), a.InvitationType(), a.Token().Hex())
	case action.PkiEnrollment != nil:
		a := action.PkiEnrollment
		fmt.Printf("shape: pki-enrollment\nhost: %s\nport: %d\nssl: %v\norganization: %s\n",
			a.Hostname(), a.Port(), a.UseSSL(), a.OrganizationID())
	case action.TOTPReset != nil:
		a := action.TOTPReset
		fmt.Printf("shape: totp-reset\nhost: %s\nport: %d\nssl: %v\norganization: %s\nuser: %s\n",
			a.Hostname(), a.Port(), a.UseSSL(), a.OrganizationID(), a.UserID())
	}
	return nil
}

var addrRedirectCmd = &cobra.Command{
	Use:   "redirect <url>",
	Short: "Convert a parsec3:// address to its https redirection form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if action, err := addr.ParseParsecActionAddr(args[0]); err == nil {
			switch {
			case action.OrganizationBootstrap != nil:
				fmt.Println(action.OrganizationBootstrap.ToHTTPRedirectionURL())
			case action.OrganizationFileLink != nil:
				fmt.Println(action.OrganizationFileLink.ToHTTPRedirectionURL())
			case action.Invitation != nil:
				fmt.Println(action.Invitation.ToHTTPRedirectionURL())
			case action.PkiEnrollment != nil:
				fmt.Println(action.PkiEnrollment.ToHTTPRedirectionURL())
			case action.TOTPReset != nil:
				fmt.Println(action.TOTPReset.ToHTTPRedirectionURL())
			}
			return nil
		}
		server, err := addr.ParseParsecAddr(args[0])
		if err != nil {
			return err
		}
		fmt.Println(server.ToHTTPRedirectionURL())
		return nil
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect the local databases",
}

var storageInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print a summary of the local certificate log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.NewCertificateStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		certs, err := store.GetAllCertificates()
		if err != nil {
			return err
		}
		perKind := map[types.CertificateKind]int{}
		for _, cert := range certs {
			perKind[cert.Kind]++
		}
		fmt.Printf("certificates: %d\n", len(certs))
		for kind, count := range perKind {
			fmt.Printf("  %s: %d\n", kind, count)
		}
		if len(certs) > 0 {
			fmt.Printf("last timestamp: %s\n", certs[len(certs)-1].Timestamp)
		}
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve the Prometheus metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		bind := cfg.MetricsBind
		if bind == "" {
			bind = "127.0.0.1:9471"
		}
		metrics.Register()
		http.Handle("/metrics", metrics.Handler())
		metricsLog := log.WithComponent("metrics")
		metricsLog.Info().Str("bind", bind).Msg("Serving metrics")
		return http.ListenAndServe(bind, nil)
	},
}

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		cfg := config.Default()
		initLogging(cfg)
		return cfg, nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}
