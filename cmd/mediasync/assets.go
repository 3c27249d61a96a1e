package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/ui"
)

var assetsCmd = &cobra.Command{
	Use:     "assets",
	GroupID: "media",
	Short:   "List and delete an owner's assets",
}

var assetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's assets",
	Long: `List an owner's assets, newest capture first.

By default only gallery-visible assets are shown; assets still being
written or uploaded are hidden. --all shows every asset, --state filters
to one state (oldest first).`,
	Run: func(cmd *cobra.Command, args []string) {
		ownerID, _ := cmd.Flags().GetInt64("owner")
		all, _ := cmd.Flags().GetBool("all")
		stateFlag, _ := cmd.Flags().GetString("state")

		if ownerID <= 0 {
			fatal("--owner is required")
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		var (
			assets []schema.Asset
			err    error
		)
		switch {
		case stateFlag != "":
			state, perr := schema.ParseState(stateFlag)
			if perr != nil {
				fatal("%v", perr)
			}
			assets, err = a.repo.ListByState(ctx, ownerID, state)
		case all:
			assets, err = a.repo.ListAll(ctx, ownerID)
		default:
			assets, err = a.repo.ListVisible(ctx, ownerID)
		}
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(assets)
			return
		}
		if len(assets) == 0 {
			fmt.Println("No assets.")
			return
		}

		rows := make([][]string, 0, len(assets))
		for _, as := range assets {
			synced := ""
			if as.Remote != nil {
				synced = as.Remote.Filename
			}
			rows = append(rows, []string{
				as.ID,
				ui.RenderState(as.State),
				string(as.MediaType),
				string(as.Mode),
				as.CapturedAt.Local().Format("2006-01-02 15:04"),
				formatSize(as.FileSize),
				synced,
			})
		}
		fmt.Println(ui.Table([]string{"ID", "STATE", "TYPE", "MODE", "CAPTURED", "SIZE", "REMOTE"}, rows))
		fmt.Printf("%s\n", ui.RenderMuted(strconv.Itoa(len(assets))+" assets"))
	},
}

var assetsDeleteCmd = &cobra.Command{
	Use:   "delete <asset-id>",
	Short: "Delete an asset's file and record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		id := args[0]
		if err := a.repo.DeleteAsset(ctx, id); err != nil {
			fatal("%v", err)
		}
		logger.Info("asset deleted", "asset_id", id)

		if jsonOutput {
			printJSON(map[string]string{"deleted": id})
			return
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
	},
}

func init() {
	assetsListCmd.Flags().Int64("owner", 0, "Owner id")
	assetsListCmd.Flags().Bool("all", false, "Include assets that are not gallery-visible")
	assetsListCmd.Flags().String("state", "", "Only assets in this state")

	assetsCmd.AddCommand(assetsListCmd)
	assetsCmd.AddCommand(assetsDeleteCmd)
	rootCmd.AddCommand(assetsCmd)
}
