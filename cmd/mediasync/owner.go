package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/clinicapture/mediasync/internal/media/schema"
	"github.com/clinicapture/mediasync/internal/ui"
)

var ownerCmd = &cobra.Command{
	Use:     "owner",
	GroupID: "media",
	Short:   "Manage owners (patients)",
}

var ownerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an owner",
	Long: `Add an owner. The business code is derived from name, age and phone.

Without --name and --age, an interactive form is shown when stdin is a
terminal.

Examples:
  mediasync owner add --name "Jane Doe" --age 42 --phone 555-0100
  mediasync owner add`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		age, _ := cmd.Flags().GetInt("age")
		phone, _ := cmd.Flags().GetString("phone")

		if name == "" || !cmd.Flags().Changed("age") {
			if !ui.IsTerminal(os.Stdin) {
				fatal("--name and --age are required when stdin is not a terminal")
			}
			var err error
			name, age, phone, err = ownerForm(name, age, phone)
			if errors.Is(err, huh.ErrUserAborted) {
				return
			}
			if err != nil {
				fatal("%v", err)
			}
		}

		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		o, err := schema.NewOwner(name, age, phone, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		if existing, err := a.store.GetOwnerByBusinessCode(ctx, o.BusinessCode); err == nil {
			if jsonOutput {
				printJSON(existing)
				return
			}
			fmt.Printf("%s Owner already exists: #%d (%s)\n", ui.RenderWarn("⚠"), existing.ID, existing.BusinessCode)
			return
		}

		if _, err := a.store.InsertOwner(ctx, o); err != nil {
			fatal("%v", err)
		}
		logger.Info("owner added", "owner_id", o.ID, "business_code", o.BusinessCode)

		if jsonOutput {
			printJSON(o)
			return
		}
		fmt.Printf("%s Added owner #%d\n", ui.RenderPass("✓"), o.ID)
		fmt.Printf("   Business code: %s\n", o.BusinessCode)
	},
}

var ownerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List owners",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustOpenApp(ctx)
		defer a.Close()

		owners, err := a.store.ListOwners(ctx)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(owners)
			return
		}
		if len(owners) == 0 {
			fmt.Println("No owners. Add one with 'mediasync owner add'.")
			return
		}

		rows := make([][]string, 0, len(owners))
		for _, o := range owners {
			rows = append(rows, []string{
				strconv.FormatInt(o.ID, 10),
				o.BusinessCode,
				o.Name,
				strconv.Itoa(o.Age),
				o.CreatedAt.Local().Format("2006-01-02"),
			})
		}
		fmt.Println(ui.Table([]string{"ID", "CODE", "NAME", "AGE", "CREATED"}, rows))
	},
}

// ownerForm asks for the fields that were not given as flags.
func ownerForm(name string, age int, phone string) (string, int, string, error) {
	ageStr := ""
	if age > 0 {
		ageStr = strconv.Itoa(age)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Value(&name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Age").
				Value(&ageStr).
				Validate(func(s string) error {
					_, err := parseAge(s)
					return err
				}),
			huh.NewInput().
				Title("Phone").
				Description("Optional").
				Value(&phone),
		),
	)
	if err := form.Run(); err != nil {
		return "", 0, "", err
	}

	parsed, err := parseAge(ageStr)
	if err != nil {
		return "", 0, "", err
	}
	return strings.TrimSpace(name), parsed, strings.TrimSpace(phone), nil
}

func parseAge(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 150 {
		return 0, fmt.Errorf("age must be a number between 0 and 150")
	}
	return n, nil
}

func init() {
	ownerAddCmd.Flags().String("name", "", "Owner name")
	ownerAddCmd.Flags().Int("age", 0, "Owner age")
	ownerAddCmd.Flags().String("phone", "", "Owner phone")

	ownerCmd.AddCommand(ownerAddCmd)
	ownerCmd.AddCommand(ownerListCmd)
	rootCmd.AddCommand(ownerCmd)
}
