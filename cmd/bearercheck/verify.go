package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/auth"
	redisstore "github.com/ggoodman/oauth2-bearer-go/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newVerifyCmd(g *globalFlags) *cobra.Command {
	var (
		audiences      []string
		secretFile     string
		clockTolerance time.Duration
		algs           []string
		redisAddr      string
	)
	cmd := &cobra.Command{
		Use:   "verify [token|-]",
		Short: "Verify a bearer token and print its claims",
		Long: `Verify a JWT access token against the issuer and print its claims as JSON.

The token is read from the first argument, or from stdin when the argument is
"-" or absent.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireIssuer(); err != nil {
				return err
			}
			log, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			token, err := readToken(cmd, args)
			if err != nil {
				return err
			}

			opts := []auth.Option{
				auth.WithLogger(log),
				auth.WithHTTPTimeout(g.timeout),
				auth.WithClockTolerance(clockTolerance),
			}
			if secretFile != "" {
				opts = append(opts, auth.WithClientSecretFile(secretFile))
			}
			if len(algs) > 0 {
				opts = append(opts, auth.WithAllowedAlgs(algs...))
			}
			if redisAddr != "" {
				client := redis.NewClient(&redis.Options{Addr: redisAddr})
				defer client.Close()
				store, err := redisstore.New(redisstore.Config{Client: client})
				if err != nil {
					return err
				}
				opts = append(opts, auth.WithDocumentStore(store, time.Hour))
			}

			authn, err := auth.New(cmd.Context(), g.issuer, audiences, opts...)
			if err != nil {
				return err
			}
			ac, err := authn.Authenticate(cmd.Context(), &auth.Request{
				Method: "GET",
				Header: map[string][]string{"Authorization": {"Bearer " + token}},
			})
			if err != nil {
				var ae *auth.Error
				if errors.As(err, &ae) {
					return fmt.Errorf("token rejected: %s", ae.Description)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), ac.Claims.Map())
		},
	}
	cmd.Flags().StringSliceVar(&audiences, "audience", splitEnv("ALLOWED_AUDIENCES"), "allowed audience, repeatable (default $ALLOWED_AUDIENCES)")
	cmd.Flags().StringVar(&secretFile, "client-secret-file", "", "file holding the secret for HS256/384/512 tokens")
	cmd.Flags().DurationVar(&clockTolerance, "clock-tolerance", auth.DefaultClockTolerance, "leeway for exp, iat and nbf")
	cmd.Flags().StringSliceVar(&algs, "alg", nil, "restrict accepted signing algorithms")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "share fetched documents through this Redis server")
	return cmd
}

func readToken(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token from stdin: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func splitEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
