package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rehouzd/skiptrace/internal/api"
	"github.com/rehouzd/skiptrace/internal/ledger"
	"github.com/rehouzd/skiptrace/internal/model"
)

// -- history --

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List a user's lookups, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		items, err := svc.Lookups.History(ctx, user, limit, offset)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No lookups found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ACCESSED\tBUYER\tADDRESS\tOUTCOME\tCREDIT\tCACHED\tSTATUS")
		for _, it := range items {
			status := "-"
			if it.Result != nil {
				status = string(it.Result.Status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				it.AccessedAt.Format(time.RFC3339),
				it.BuyerID,
				it.SearchAddress,
				it.Outcome,
				it.CreditType,
				it.WasCached,
				status,
			)
		}
		return w.Flush()
	},
}

// -- cache clear --

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the shared result cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached results for an address, or all of them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		address, _ := cmd.Flags().GetString("address")
		owner, _ := cmd.Flags().GetString("owner")
		all, _ := cmd.Flags().GetBool("all")
		if all == (address != "") {
			return eris.New("pass exactly one of --address or --all")
		}

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		var n int
		if all {
			n, err = svc.Lookups.ClearAllCache(ctx)
		} else {
			n, err = svc.Lookups.ClearCache(ctx, address, owner)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached result(s).\n", n)
		return nil
	},
}

// -- ledger --

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and adjust credit balances",
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a user's balance and recent transactions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		acct, err := svc.Ledger.Balance(ctx, user)
		if err != nil {
			return err
		}
		txs, err := svc.Ledger.History(ctx, user, limit, 0)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:  %s\nFree:  %d\nPaid:  %d\nTotal: %d\n\n", user, acct.FreeRemaining, acct.PaidRemaining, acct.Total())
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tTYPE\tFREE\tPAID\tREFERENCE")
		for _, tx := range txs {
			fmt.Fprintf(w, "%s\t%s\t%+d\t%+d\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Type, tx.FreeDelta, tx.PaidDelta, tx.Reference)
		}
		return w.Flush()
	},
}

var ledgerGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Credit a user (earned credits go to the free pool, purchased to the paid pool)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		amount, _ := cmd.Flags().GetInt("amount")
		typ, _ := cmd.Flags().GetString("type")
		ref, _ := cmd.Flags().GetString("reference")
		if ref == "" {
			return eris.New("--reference is required so a rerun does not credit twice")
		}

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		_, applied, err := svc.Ledger.Credit(ctx, user, amount, model.TransactionType(typ), ref)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintf(cmd.OutOrStdout(), "Reference %s was already applied; nothing credited.\n", ref)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credited %d %s credit(s) to %s.\n", amount, typ, user)
		return nil
	},
}

var ledgerOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Give a new user the configured signup credits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		if cfg.Ledger.InitialFreeCredits <= 0 {
			fmt.Fprintln(os.Stderr, "ledger.initial_free_credits is 0; nothing to grant.")
			return nil
		}

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		_, applied, err := svc.Ledger.Credit(ctx, user, cfg.Ledger.InitialFreeCredits, model.TransactionEarned, "signup:"+user)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signup credits for %s applied: %t\n", user, applied)
		return nil
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that a user's balance matches the sum of their transactions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Ledger.Verify(ctx, user); err != nil {
			var drift *ledger.DriftError
			if errors.As(err, &drift) {
				fmt.Fprintf(cmd.OutOrStdout(), "DRIFT free=%d (tx %d) paid=%d (tx %d)\n",
					drift.FreeBalance, drift.FreeTx, drift.PaidBalance, drift.PaidTx)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ledger for %s is consistent.\n", user)
		return nil
	},
}

var ledgerSubscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Set a user's plan for monthly credit grants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		plan, _ := cmd.Flags().GetString("plan")
		cancel, _ := cmd.Flags().GetBool("cancel")
		if user == "" || plan == "" {
			return eris.New("--user and --plan are required")
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		now := time.Now().UTC()
		renews := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		if err := st.UpsertSubscription(ctx, model.Subscription{UserID: user, Plan: plan, Active: !cancel, RenewsAt: renews}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscription for %s: plan=%s active=%t\n", user, plan, !cancel)
		return nil
	},
}

// -- vote --

var voteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Record a user's verified/invalid vote on a contact value",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()
		user, _ := cmd.Flags().GetString("user")
		value, _ := cmd.Flags().GetString("value")
		buyer, _ := cmd.Flags().GetString("buyer-name")
		status, _ := cmd.Flags().GetString("status")
		retract, _ := cmd.Flags().GetBool("retract")

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		var rec *model.VerificationRecord
		if retract {
			rec, err = svc.Votes.Retract(ctx, user, value, buyer)
		} else {
			rec, err = svc.Votes.Vote(ctx, user, value, buyer, model.VoteStatus(status))
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

// -- token --

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token for a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if user == "" {
			return eris.New("--user is required")
		}
		tok, err := api.IssueToken([]byte(cfg.Server.JWTSecret), user, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("user", "", "user id")
	historyCmd.Flags().Int("limit", 50, "max rows")
	historyCmd.Flags().Int("offset", 0, "rows to skip")

	cacheClearCmd.Flags().String("address", "", "property address")
	cacheClearCmd.Flags().String("owner", "", "owner name")
	cacheClearCmd.Flags().Bool("all", false, "remove every cached result")
	cacheCmd.AddCommand(cacheClearCmd)

	for _, c := range []*cobra.Command{ledgerBalanceCmd, ledgerGrantCmd, ledgerOpenCmd, ledgerVerifyCmd, ledgerSubscribeCmd} {
		c.Flags().String("user", "", "user id")
	}
	ledgerBalanceCmd.Flags().Int("limit", 20, "transactions to show")
	ledgerGrantCmd.Flags().Int("amount", 0, "credits to add")
	ledgerGrantCmd.Flags().String("type", string(model.TransactionPurchased), "earned or purchased")
	ledgerGrantCmd.Flags().String("reference", "", "idempotency reference")
	ledgerSubscribeCmd.Flags().String("plan", "", "plan name")
	ledgerSubscribeCmd.Flags().Bool("cancel", false, "deactivate the subscription")
	ledgerCmd.AddCommand(ledgerBalanceCmd, ledgerGrantCmd, ledgerOpenCmd, ledgerVerifyCmd, ledgerSubscribeCmd)

	voteCmd.Flags().String("user", "", "user id")
	voteCmd.Flags().String("value", "", "phone number or email")
	voteCmd.Flags().String("buyer-name", "", "buyer name")
	voteCmd.Flags().String("status", "", "verified or invalid")
	voteCmd.Flags().Bool("retract", false, "remove the user's vote")

	tokenCmd.Flags().String("user", "", "user id")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(historyCmd, cacheCmd, ledgerCmd, voteCmd, tokenCmd)
}
