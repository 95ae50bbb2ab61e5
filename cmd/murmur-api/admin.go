package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func openMembership() (*membership.Store, error) {
	return membership.OpenStore(membership.StoreConfig{Path: viper.GetString("membership.path")})
}

func newMembersCommand() *cobra.Command {
	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "Manage conversation membership",
	}

	var role, displayName, avatar string
	putCmd := &cobra.Command{
		Use:   "put <conversation-id> <user-id>",
		Short: "Add or reactivate a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedRole, ok := membership.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			store, err := openMembership()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.PutMember(cmd.Context(), membership.Member{
				ConversationID: args[0],
				UserID:         args[1],
				Role:           parsedRole,
				IsActive:       true,
				DisplayName:    displayName,
				DisplayAvatar:  avatar,
			})
		},
	}
	putCmd.Flags().StringVar(&role, "role", string(membership.RoleMember), "owner, admin or member")
	putCmd.Flags().StringVar(&displayName, "name", "", "Display name shown in this conversation")
	putCmd.Flags().StringVar(&avatar, "avatar", "", "Avatar URL shown in this conversation")

	deactivateCmd := &cobra.Command{
		Use:   "deactivate <conversation-id> <user-id>",
		Short: "Mark a member inactive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMembership()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Deactivate(cmd.Context(), args[0], args[1])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <conversation-id>",
		Short: "Print every member of a conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMembership()
			if err != nil {
				return err
			}
			defer store.Close()
			members, err := store.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(members)
		},
	}

	membersCmd.AddCommand(putCmd, deactivateCmd, listCmd)
	return membersCmd
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration
	var displayName string
	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionIdentity{
				UserID:      args[0],
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the token")
	return tokenCmd
}
