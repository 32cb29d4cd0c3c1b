package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Stealth-AI-data-infra/nautilus-ai/client"
	"github.com/Stealth-AI-data-infra/nautilus-ai/handlers"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
	"github.com/Stealth-AI-data-infra/nautilus-ai/verifier"
)

var (
	urlFlag = &cli.StringFlag{
		Name:    "url",
		Value:   "http://localhost:3000",
		Usage:   "enclave API root",
		EnvVars: []string{"ENCLAVE_URL"},
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Value: client.DefaultTimeout,
		Usage: "per-request timeout",
	}
	verifyFlag = &cli.BoolFlag{
		Name:  "verify",
		Usage: "verify every signed response against the enclave attestation",
	}
	measurementFlag = &cli.StringFlag{
		Name:    "measurement",
		Usage:   "expected PCR0 (nitro) or image digest (gcp)",
		EnvVars: []string{"EXPECTED_MEASUREMENT"},
	}
	allowAnyMeasurementFlag = &cli.BoolFlag{
		Name:  "allow-any-measurement",
		Usage: "verify without --measurement, accepting whatever code the enclave runs",
	}
	allowStandaloneFlag = &cli.BoolFlag{
		Name:  "allow-standalone",
		Usage: "accept development attestations without hardware evidence",
	}
	allowDebugFlag = &cli.BoolFlag{
		Name:  "allow-debug",
		Usage: "accept debug-mode enclaves, whose memory the host can read",
	}
	gcpAudienceFlag = &cli.StringFlag{
		Name:  "gcp-audience",
		Value: shared.DefaultGCPAudience,
		Usage: "required audience of GCP attestation tokens",
	}
	logDebugFlag = &cli.BoolFlag{
		Name:  "log-debug",
		Usage: "log debug messages",
	}
)

func main() {
	app := &cli.App{
		Name:  "enclave-cli",
		Usage: "Query the enclave API and check its signed responses",
		Flags: []cli.Flag{
			urlFlag, timeoutFlag, verifyFlag, measurementFlag, allowAnyMeasurementFlag,
			allowStandaloneFlag, allowDebugFlag, gcpAudienceFlag, logDebugFlag,
		},
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "Show the enclave public key and egress reachability",
				Action: healthAction,
			},
			{
				Name:  "attestation",
				Usage: "Fetch the attestation document",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Value: "attestation.json", Usage: "where to write the document"},
					&cli.StringFlag{Name: "move-out", Usage: "also write the raw document as a Move vector<u8> literal"},
				},
				Action: attestationAction,
			},
			{
				Name:      "process",
				Usage:     "Send a JSON payload to a scope",
				ArgsUsage: "<scope> <json>",
				Action:    processAction,
			},
			{
				Name:      "weather",
				Usage:     "Query current weather for a location",
				ArgsUsage: "<location>",
				Action:    weatherAction,
			},
			{
				Name:      "query-ai",
				Usage:     "Ask a question about a local file",
				ArgsUsage: "<question> <file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "answer-out", Value: "gemini_answer.txt", Usage: "where to save the full answer"},
				},
				Action: queryAIAction,
			},
			{
				Name:  "verify",
				Usage: "Verify a saved response against a saved attestation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "response", Required: true, Usage: "file holding a process response"},
					&cli.StringFlag{Name: "attestation", Required: true, Usage: "file holding an attestation document"},
					&cli.StringFlag{Name: "scope", Usage: "require this scope"},
				},
				Action: verifyAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errNoMeasurement = errors.New("refusing to verify without --measurement; pass --allow-any-measurement to accept any enclave code")

// checkMeasurementPolicy refuses options that would accept any code running
// in the enclave, unless the operator asked for exactly that.
func checkMeasurementPolicy(opts verifier.Options, allowAnyMeasurement bool) error {
	if opts.ExpectedMeasurement == "" && !allowAnyMeasurement {
		return errNoMeasurement
	}
	return nil
}

func newLogger(cCtx *cli.Context) (*shared.Logger, error) {
	return shared.NewLogger(shared.LoggerConfig{
		ServiceName: "enclave-cli",
		Development: cCtx.Bool(logDebugFlag.Name),
	})
}

func verifierOptions(cCtx *cli.Context, logger *shared.Logger) (verifier.Options, error) {
	opts := verifier.Options{
		ExpectedMeasurement: cCtx.String(measurementFlag.Name),
		AllowStandalone:     cCtx.Bool(allowStandaloneFlag.Name),
		AllowDebug:          cCtx.Bool(allowDebugFlag.Name),
		GCPAudience:         cCtx.String(gcpAudienceFlag.Name),
		Logger:              logger,
	}
	if err := checkMeasurementPolicy(opts, cCtx.Bool(allowAnyMeasurementFlag.Name)); err != nil {
		return verifier.Options{}, err
	}
	return opts, nil
}

func newClient(cCtx *cli.Context) (*client.Client, error) {
	logger, err := newLogger(cCtx)
	if err != nil {
		return nil, err
	}
	cfg := client.ClientConfig{
		BaseURL: cCtx.String(urlFlag.Name),
		Timeout: cCtx.Duration(timeoutFlag.Name),
		Logger:  logger,
	}
	if cCtx.Bool(verifyFlag.Name) {
		opts, err := verifierOptions(cCtx, logger)
		if err != nil {
			return nil, err
		}
		cfg.Verify = &opts
	}
	return client.New(cfg), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func healthAction(cCtx *cli.Context) error {
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	resp, err := c.HealthCheck(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func attestationAction(cCtx *cli.Context) error {
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	doc, err := c.Attestation(cCtx.Context)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String("out"), raw, 0o644); err != nil {
		return err
	}
	fmt.Printf("Attestation (%s, %d bytes) saved to %s\n", doc.Type, len(doc.Document), cCtx.String("out"))
	fmt.Printf("Public key: %s\n", hex.EncodeToString(doc.PublicKey))

	if path := cCtx.String("move-out"); path != "" {
		if err := os.WriteFile(path, []byte(moveVector(doc.Document)), 0o644); err != nil {
			return err
		}
		fmt.Printf("Move vector saved to %s\n", path)
	}
	return nil
}

func processAction(cCtx *cli.Context) error {
	if cCtx.NArg() != 2 {
		return cli.Exit("usage: process <scope> <json>", 2)
	}
	scope, err := shared.ParseIntentScope(cCtx.Args().Get(0))
	if err != nil {
		return err
	}
	payload := json.RawMessage(cCtx.Args().Get(1))
	if !json.Valid(payload) {
		return errors.New("payload is not valid JSON")
	}
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	resp, err := c.Process(cCtx.Context, scope, payload)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func weatherAction(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return cli.Exit("usage: weather <location>", 2)
	}
	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	resp, err := c.ProcessAt(cCtx.Context, "/process_data", shared.WeatherQuery,
		handlers.WeatherRequest{Location: cCtx.Args().First()})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func queryAIAction(cCtx *cli.Context) error {
	if cCtx.NArg() != 2 {
		return cli.Exit("usage: query-ai <question> <file>", 2)
	}
	question, path := cCtx.Args().Get(0), cCtx.Args().Get(1)

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file %s not found: %w", path, err)
	}
	if info.Size() > maxUploadSize {
		return fmt.Errorf("file size %d exceeds the %d byte limit", info.Size(), maxUploadSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	c, err := newClient(cCtx)
	if err != nil {
		return err
	}
	fmt.Printf("Querying with file: %s (%d bytes)\n", path, len(content))
	fmt.Printf("Question: %s\n", question)

	started := time.Now()
	resp, err := c.ProcessAt(cCtx.Context, "/process_gemini", shared.AIQuery, handlers.AIQueryRequest{
		Question:    question,
		FileContent: base64.StdEncoding.EncodeToString(content),
		FileType:    fileTypeFor(path),
	})
	if err != nil {
		return err
	}
	if err := printJSON(resp); err != nil {
		return err
	}

	payload, err := handlers.DecodeAIQueryPayload(resp.Response.Payload)
	if err != nil {
		return err
	}
	fmt.Println("\n=== Values for on-chain verification ===")
	fmt.Printf("export AI_SIGNATURE=%s\n", hex.EncodeToString(resp.Response.Signature))
	fmt.Printf("export AI_TIMESTAMP=%d\n", resp.Response.TimestampMs)
	fmt.Printf("export AI_MODEL=%s\n", payload.Model)
	fmt.Printf("export AI_FILE_HASH=%s\n", hex.EncodeToString(payload.FileHash))

	if out := cCtx.String("answer-out"); out != "" {
		if err := os.WriteFile(out, []byte(payload.Answer), 0o644); err != nil {
			return err
		}
		fmt.Printf("\nFull answer saved to %s (%s)\n", out, time.Since(started).Round(time.Millisecond))
	}
	return nil
}

func verifyAction(cCtx *cli.Context) error {
	logger, err := newLogger(cCtx)
	if err != nil {
		return err
	}
	defer logger.Close()
	opts, err := verifierOptions(cCtx, logger)
	if err != nil {
		return err
	}

	var resp shared.ProcessedDataResponse
	if err := readJSON(cCtx.String("response"), &resp); err != nil {
		return err
	}
	if resp.Response == nil {
		return fmt.Errorf("%w: response without envelope", shared.ErrMalformedEnvelope)
	}
	var doc shared.AttestationDocument
	if err := readJSON(cCtx.String("attestation"), &doc); err != nil {
		return err
	}

	var expected *shared.IntentScope
	if name := cCtx.String("scope"); name != "" {
		scope, err := shared.ParseIntentScope(name)
		if err != nil {
			return err
		}
		expected = &scope
	}

	att, err := verifier.VerifyAttestedEnvelope(resp.Response, &doc, expected, opts)
	if err != nil {
		return err
	}

	fmt.Printf("OK: %s envelope at %d signed by %s key %s (measurement %s)\n",
		resp.Response.Scope, resp.Response.TimestampMs, att.Platform,
		hex.EncodeToString(att.PublicKey), att.Measurement)
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("could not decode %s: %w", path, err)
	}
	return nil
}
