package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/internal/fetch"
	"github.com/ggoodman/oauth2-bearer-go/internal/logctx"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	issuer   string
	timeout  time.Duration
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "bearercheck",
		Short:        "Inspect OpenID Connect issuers and verify bearer tokens",
		Version:      fetch.Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.issuer, "issuer", os.Getenv("ISSUER_BASE_URL"), "issuer base URL (default $ISSUER_BASE_URL)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", fetch.DefaultTimeout, "timeout for each request to the issuer")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(newVerifyCmd(g), newDiscoverCmd(g), newJWKSCmd(g))
	return root
}

func (g *globalFlags) requireIssuer() error {
	if g.issuer == "" {
		return fmt.Errorf("--issuer is required")
	}
	return nil
}

func (g *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return logctx.Wrap(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))), nil
}

func (g *globalFlags) client() *http.Client {
	return fetch.NewClient(nil, fetch.DefaultUserAgent, g.timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
