package main

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/oauth2-bearer-go/internal/discovery"
	"github.com/ggoodman/oauth2-bearer-go/internal/fetch"
	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
)

type keySummary struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg,omitempty"`
	Use       string `json:"use,omitempty"`
	Size      string `json:"size,omitempty"`
}

func newJWKSCmd(g *globalFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Fetch and summarize the issuer's JSON Web Key Set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIssuer(); err != nil {
				return err
			}
			log, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client := g.client()
			meta, err := discovery.NewCache(client, discovery.WithLogger(log)).Discover(cmd.Context(), g.issuer)
			if err != nil {
				return err
			}
			doc, err := fetch.GetJSON(cmd.Context(), client, meta.JWKSURI)
			if err != nil {
				return err
			}

			var set jose.JSONWebKeySet
			if err := json.Unmarshal(doc, &set); err != nil {
				return fmt.Errorf("parse key set: %w", err)
			}
			if raw {
				return printJSON(cmd.OutOrStdout(), set)
			}
			out := make([]keySummary, 0, len(set.Keys))
			for _, k := range set.Keys {
				out = append(out, summarize(k))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the normalized key set instead of a summary")
	return cmd
}

func summarize(k jose.JSONWebKey) keySummary {
	s := keySummary{KeyID: k.KeyID, Algorithm: k.Algorithm, Use: k.Use}
	switch key := k.Key.(type) {
	case *rsa.PublicKey:
		s.KeyType, s.Size = "RSA", fmt.Sprintf("%d bits", key.N.BitLen())
	case *ecdsa.PublicKey:
		s.KeyType, s.Size = "EC", key.Curve.Params().Name
	case ed25519.PublicKey:
		s.KeyType, s.Size = "OKP", "Ed25519"
	case []byte:
		s.KeyType = "oct"
	default:
		s.KeyType = fmt.Sprintf("%T", key)
	}
	return s
}
