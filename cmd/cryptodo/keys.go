package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cryptodo/internal/client"
	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/models"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a new key and its recovery phrase",
	Long: `Keygen writes a random 256-bit key to the key file and prints a
24-word recovery phrase. The phrase is the only way to restore the key;
write it down.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var recoverCmd = &cobra.Command{
	Use:   "recover [words...]",
	Short: "Restore the key file from a recovery phrase",
	Example: `  cryptodo recover
  cryptodo recover abandon ability able ...`,
	RunE: runRecover,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create key material for your account",
	Long: `Provision asks the server for a salt and derivation parameters.
Calling it again returns the existing material unchanged.`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

var materialCmd = &cobra.Command{
	Use:   "material",
	Short: "Show your public key material",
	Args:  cobra.NoArgs,
	RunE:  runMaterial,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt every item under a fresh salt",
	Long: `Rotate starts a new key generation, re-encrypts each item and
commits. An interrupted rotation resumes where it stopped on the next run.`,
	Args: cobra.NoArgs,
	RunE: runRotate,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key store maintenance",
}

var keysCopyCmd = &cobra.Command{
	Use:     "copy",
	Short:   "Copy key material between key store backends",
	Example: `  cryptodo keys copy --from sqlite --to dynamodb`,
	Args:    cobra.NoArgs,
	RunE:    runKeysCopy,
}

var (
	copyFrom string
	copyTo   string
)

func init() {
	rootCmd.AddCommand(keygenCmd, recoverCmd, provisionCmd, materialCmd, rotateCmd, keysCmd)
	keysCmd.AddCommand(keysCopyCmd)

	keysCopyCmd.Flags().StringVar(&copyFrom, "from", "sqlite", "Source key backend")
	keysCopyCmd.Flags().StringVar(&copyTo, "to", "dynamodb", "Destination key backend")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	kdk, err := crypto.GenerateKDK()
	if err != nil {
		return err
	}
	defer crypto.Zero(kdk)

	phrase, err := client.RecoveryPhrase(kdk)
	if err != nil {
		return err
	}
	if err := client.SaveKeyFile(cfg.Auth.KeyFile, kdk); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":         true,
			"key_file":        cfg.Auth.KeyFile,
			"recovery_phrase": phrase,
		})
		return nil
	}

	printSuccess("Key written to %s", cfg.Auth.KeyFile)
	fmt.Println()
	fmt.Println(color.YellowString("Recovery phrase (store it offline):"))
	printPhrase(phrase)
	return nil
}

func printPhrase(phrase string) {
	words := strings.Fields(phrase)
	for i, w := range words {
		fmt.Printf("%3d. %-10s", i+1, w)
		if (i+1)%4 == 0 {
			fmt.Println()
		}
	}
	fmt.Println()
}

func runRecover(cmd *cobra.Command, args []string) error {
	phrase := strings.Join(args, " ")
	if phrase == "" {
		var err error
		phrase, err = promptSecret("Recovery phrase: ")
		if err != nil {
			return fmt.Errorf("read phrase: %w", err)
		}
	}

	kdk, err := client.KDKFromRecoveryPhrase(phrase)
	if err != nil {
		return err
	}
	defer crypto.Zero(kdk)

	if err := client.SaveKeyFile(cfg.Auth.KeyFile, kdk); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "key_file": cfg.Auth.KeyFile})
		return nil
	}
	printSuccess("Key restored to %s", cfg.Auth.KeyFile)
	return nil
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		km      *models.KeyMaterial
		created bool
		err     error
	)
	if localMode {
		km, created, err = withLocalKeys(ctx, func(stack *localStack, subject string) (*models.KeyMaterial, bool, error) {
			return stack.keys.GetOrCreate(ctx, subject)
		})
	} else {
		var c *client.Client
		c, err = client.New(cfg, logger)
		if err == nil {
			km, created, err = c.Provision(ctx)
		}
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"created":  created,
			"material": km.View(),
		})
		return nil
	}
	if created {
		printSuccess("Key material provisioned")
	} else {
		printInfo("Key material already provisioned")
	}
	printMaterial(km)
	return nil
}

func runMaterial(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		km  *models.KeyMaterial
		err error
	)
	if localMode {
		km, _, err = withLocalKeys(ctx, func(stack *localStack, subject string) (*models.KeyMaterial, bool, error) {
			km, err := stack.keys.Material(ctx, subject)
			return km, false, err
		})
	} else {
		var c *client.Client
		c, err = client.New(cfg, logger)
		if err == nil {
			var k *client.RemoteKeys
			if k, err = c.Keys(); err == nil {
				subject, _ := c.Subject()
				km, err = k.Material(ctx, subject)
			}
		}
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(km.View())
		return nil
	}
	printMaterial(km)
	return nil
}

func withLocalKeys(ctx context.Context, fn func(*localStack, string) (*models.KeyMaterial, bool, error)) (*models.KeyMaterial, bool, error) {
	subject, err := requireLocalSubject()
	if err != nil {
		return nil, false, err
	}
	stack, err := openLocal(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer stack.Close()
	return fn(stack, subject)
}

func printMaterial(km *models.KeyMaterial) {
	fmt.Printf("   Subject:    %s\n", km.SubjectID)
	fmt.Printf("   KDF:        %s\n", km.KDF.Version)
	fmt.Printf("   Cipher:     %s\n", km.Cipher)
	fmt.Printf("   Generation: %d\n", km.Generation)
	if km.RotationPending() {
		fmt.Printf("   Pending:    %s\n", color.YellowString("generation %d (run 'cryptodo rotate')", km.PendingGeneration))
	}
	fmt.Printf("   Since:      %s\n", km.ProvisionedAt.Local().Format("2006-01-02 15:04"))
}

func runRotate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	stop := startSpinner("Rotating key...")
	result, err := ws.Rotate(ctx)
	stop()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":     true,
			"generation":  result.Generation,
			"migrated":    result.Migrated,
			"skipped":     result.Skipped,
			"duration_ms": result.Duration.Milliseconds(),
		})
		return nil
	}

	printSuccess("Rotated to generation %d", result.Generation)
	fmt.Printf("   Re-encrypted: %d\n", result.Migrated)
	if result.Skipped > 0 {
		fmt.Printf("   Skipped:      %d (changed or removed during rotation)\n", result.Skipped)
	}
	fmt.Printf("   Duration:     %s\n", result.Duration.Round(time.Millisecond))
	return nil
}

func runKeysCopy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if copyFrom == copyTo {
		return models.InvalidArgument("--from and --to must differ")
	}

	srcCfg := cfg.Storage
	srcCfg.KeyBackend = copyFrom
	dstCfg := cfg.Storage
	dstCfg.KeyBackend = copyTo

	src, err := keystore.Open(ctx, &srcCfg, logger)
	if err != nil {
		return fmt.Errorf("open %s: %w", copyFrom, err)
	}
	defer src.Close()

	dst, err := keystore.Open(ctx, &dstCfg, logger)
	if err != nil {
		return fmt.Errorf("open %s: %w", copyTo, err)
	}
	defer dst.Close()

	stop := startSpinner(fmt.Sprintf("Copying key material %s → %s...", copyFrom, copyTo))
	copied, skipped, err := keystore.Copy(ctx, src, dst)
	stop()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "copied": copied, "skipped": skipped})
		return nil
	}
	printSuccess("Copied %d subjects (%d already present)", copied, skipped)
	return nil
}
