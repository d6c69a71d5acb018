package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/tee-workorder-manager/cmd/flags"
	"github.com/ruteri/tee-workorder-manager/enclave"
	"github.com/ruteri/tee-workorder-manager/handshake"
	"github.com/ruteri/tee-workorder-manager/interfaces"
)

var clientFlags = append([]cli.Flag{
	flags.EnclaveSeedFlag,
	flags.TrustAnchorFlag,
	flags.KmeURLFlag,
	flags.KmeWorkerIDFlag,
	flags.KmeEncryptionKeyFileFlag,
	flags.KmeVerifyingKeyFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "kmeclient",
		Usage: "Drive individual steps of the authority provisioning handshake",
		Flags: clientFlags,
		Commands: []*cli.Command{
			{
				Name:  "get-unique-key",
				Usage: "Run step one and print the verified unique verification key",
				Action: func(cCtx *cli.Context) error {
					client, _, err := setup(cCtx)
					if err != nil {
						return err
					}
					uniqueKey, err := client.GetUniqueVerificationKey(cCtx.Context)
					if err != nil {
						return err
					}
					fmt.Println(uniqueKey)
					return nil
				},
			},
			{
				Name:  "provision",
				Usage: "Run the full handshake: unique key retrieval plus registration",
				Action: func(cCtx *cli.Context) error {
					client, signup, err := setup(cCtx)
					if err != nil {
						return err
					}
					uniqueKey, err := client.Provision(cCtx.Context, signup)
					if err != nil {
						return err
					}
					fmt.Println(uniqueKey)
					return nil
				},
			},
			{
				Name:      "preprocess",
				Usage:     "Run the preprocessing step for a stored work order request file",
				ArgsUsage: "<request-file>",
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return errors.New("expected exactly one work order request file")
					}
					raw, err := os.ReadFile(cCtx.Args().First())
					if err != nil {
						return err
					}
					req, err := interfaces.ParseWorkOrderRequest(string(raw))
					if err != nil {
						return err
					}

					client, signup, err := setup(cCtx)
					if err != nil {
						return err
					}
					outputs, err := client.PreProcessWorkOrder(cCtx.Context, req, []byte(signup.EncryptionKey))
					if err != nil {
						return err
					}
					for _, out := range outputs {
						fmt.Println(string(out))
					}
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup(cCtx *cli.Context) (*handshake.Client, *interfaces.SignupData, error) {
	logger := flags.SetupLogger(cCtx)

	seedHex := cCtx.String(flags.EnclaveSeedFlag.Name)
	if seedHex == "" {
		return nil, nil, errors.New("enclave-seed is required (64 hex chars)")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != 32 {
		return nil, nil, fmt.Errorf("enclave-seed must be 64 hex chars (32 bytes): %v", err)
	}

	enc, err := enclave.NewSimpleEnclave(seed, logger)
	if err != nil {
		return nil, nil, err
	}
	if anchor := cCtx.String(flags.TrustAnchorFlag.Name); anchor != "" {
		enc.WithTrustAnchor(anchor)
	}

	signup, err := enc.CreateSignupData()
	if err != nil {
		return nil, nil, err
	}

	endpoint := cCtx.String(flags.KmeURLFlag.Name)
	if endpoint == "" {
		return nil, nil, errors.New("kme-url is required")
	}

	encryptionKeyPEM, err := os.ReadFile(cCtx.String(flags.KmeEncryptionKeyFileFlag.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("could not read authority encryption key: %w", err)
	}

	client := handshake.NewClient(handshake.Config{
		Endpoint:                  endpoint,
		AuthorityWorkerID:         cCtx.String(flags.KmeWorkerIDFlag.Name),
		AuthorityEncryptionKeyPEM: encryptionKeyPEM,
		AuthorityVerifyingKeyHex:  cCtx.String(flags.KmeVerifyingKeyFlag.Name),
		Enclave:                   enc,
		Log:                       logger.With(slog.String("component", "kmeclient")),
	})
	return client, signup, nil
}
