package root

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/httpapi"
	"github.com/parleyhq/parley/pkg/token"
)

func newTokenCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint tokens for development and operations",
	}
	cmd.AddCommand(newStartTokenCmd(root))
	cmd.AddCommand(newJWTCmd(root))
	return cmd
}

type startTokenFlags struct {
	root    *rootFlags
	agent   string
	model   string
	kind    string
	context []string
}

func newStartTokenCmd(root *rootFlags) *cobra.Command {
	flags := startTokenFlags{root: root}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Mint a sealed start token for a new session",
		Example: `  parley token start --agent chat
  parley token start --agent planner --model m-large --context locale=de`,
		Args: cobra.NoArgs,
		RunE: flags.run,
	}
	cmd.Flags().StringVar(&flags.agent, "agent", "", "Agent id the session starts with")
	cmd.Flags().StringVar(&flags.model, "model", "", "Model override (defaults to the agent's)")
	cmd.Flags().StringVar(&flags.kind, "kind", "", "Session kind")
	cmd.Flags().StringArrayVar(&flags.context, "context", nil, "Initial context entries as key=value")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func (f *startTokenFlags) run(cmd *cobra.Command, _ []string) error {
	if f.root.cfg.EncryptionKey == "" {
		return errors.New("encryption_key is required to mint start tokens")
	}
	sealer, err := token.NewSealer(f.root.cfg.EncryptionKey)
	if err != nil {
		return err
	}

	contextData := map[string]any{}
	for _, kv := range f.context {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid context entry %q, want key=value", kv)
		}
		contextData[key] = value
	}

	packed, err := sealer.Pack(token.StartToken{
		Agent:   f.agent,
		Model:   f.model,
		Kind:    f.kind,
		Context: contextData,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), packed)
	return nil
}

type jwtFlags struct {
	root *rootFlags
	user string
	ttl  time.Duration
}

func newJWTCmd(root *rootFlags) *cobra.Command {
	flags := jwtFlags{root: root}

	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Mint a caller bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  flags.run,
	}
	cmd.Flags().StringVar(&flags.user, "user", "", "User id the token authenticates")
	cmd.Flags().DurationVar(&flags.ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (f *jwtFlags) run(cmd *cobra.Command, _ []string) error {
	verifier, err := httpapi.NewVerifier(f.root.cfg.JWTSecret)
	if err != nil {
		return err
	}
	signed, err := verifier.Issue(f.user, f.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}
