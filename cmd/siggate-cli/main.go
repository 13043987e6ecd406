package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"siggate/cmd/internal/secret"
	"siggate/gateway/auth"
)

const (
	signCommand   = "sign"
	verifyCommand = "verify"

	defaultSecretEnv = "SIGGATE_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case signCommand:
		runSign(os.Args[2:])
	case verifyCommand:
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func runSign(args []string) {
	fs := flag.NewFlagSet(signCommand, flag.ExitOnError)
	method := fs.String("method", http.MethodGet, "HTTP method of the request")
	target := fs.String("target", "", "request target as sent on the wire, e.g. /v1/orders?id=7")
	body := fs.String("body", "", "request body as a literal string")
	bodyFile := fs.String("body-file", "", "read the request body from a file")
	timestamp := fs.Int64("timestamp", 0, "Unix seconds to embed (defaults to now)")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "environment variable holding the signing secret")
	secretFile := fs.String("secret-file", "", "file holding the signing secret")
	curl := fs.Bool("curl", false, "print a ready-to-run curl command instead of header lines")
	baseURL := fs.String("base-url", "", "origin for the curl command, e.g. https://gateway.example.com")
	fs.Parse(args)

	if err := signRequest(os.Stdout, signParams{
		method:     strings.ToUpper(strings.TrimSpace(*method)),
		target:     *target,
		body:       *body,
		bodyFile:   *bodyFile,
		timestamp:  *timestamp,
		secretEnv:  *secretEnv,
		secretFile: *secretFile,
		curl:       *curl,
		baseURL:    strings.TrimRight(*baseURL, "/"),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type signParams struct {
	method     string
	target     string
	body       string
	bodyFile   string
	timestamp  int64
	secretEnv  string
	secretFile string
	curl       bool
	baseURL    string
}

func signRequest(out io.Writer, p signParams) error {
	if strings.TrimSpace(p.target) == "" {
		return fmt.Errorf("-target is required")
	}
	body, err := readBody(p.body, p.bodyFile)
	if err != nil {
		return err
	}
	key, err := secret.NewSource(p.secretEnv, p.secretFile).Get()
	if err != nil {
		return err
	}

	ts := p.timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	sig, err := auth.ComputeSignature([]byte(key), p.method, p.target, body)
	if err != nil {
		return err
	}
	encoded := auth.EncodeSignature(sig)
	tsValue := strconv.FormatInt(ts, 10)

	if p.curl {
		if p.baseURL == "" {
			return fmt.Errorf("-base-url is required with -curl")
		}
		parts := []string{"curl", "-X", p.method,
			"-H", shellQuote(auth.HeaderSignature + ": " + encoded),
			"-H", shellQuote(auth.HeaderTimestamp + ": " + tsValue),
		}
		if len(body) > 0 {
			parts = append(parts, "--data-raw", shellQuote(string(body)))
		}
		parts = append(parts, shellQuote(p.baseURL+p.target))
		fmt.Fprintln(out, strings.Join(parts, " "))
		return nil
	}

	fmt.Fprintf(out, "%s: %s\n", auth.HeaderSignature, encoded)
	fmt.Fprintf(out, "%s: %s\n", auth.HeaderTimestamp, tsValue)
	return nil
}

func runVerify(args []string) {
	fs := flag.NewFlagSet(verifyCommand, flag.ExitOnError)
	method := fs.String("method", http.MethodGet, "HTTP method of the request")
	target := fs.String("target", "", "request target as sent on the wire")
	body := fs.String("body", "", "request body as a literal string")
	bodyFile := fs.String("body-file", "", "read the request body from a file")
	signature := fs.String("signature", "", "apiSig header value to check")
	timestamp := fs.Int64("timestamp", 0, "timestamp header value to check")
	skew := fs.Duration("skew", 2*time.Minute, "allowed clock drift when checking the timestamp")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "environment variable holding the signing secret")
	secretFile := fs.String("secret-file", "", "file holding the signing secret")
	fs.Parse(args)

	if err := verifySignature(strings.ToUpper(strings.TrimSpace(*method)), *target, *body, *bodyFile,
		*signature, *timestamp, *skew, *secretEnv, *secretFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("signature valid")
}

func verifySignature(method, target, bodyArg, bodyFile, signature string, timestamp int64, skew time.Duration, secretEnv, secretFile string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("-target is required")
	}
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("-signature is required")
	}
	if timestamp == 0 {
		return fmt.Errorf("-timestamp is required")
	}
	body, err := readBody(bodyArg, bodyFile)
	if err != nil {
		return err
	}
	key, err := secret.NewSource(secretEnv, secretFile).Get()
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator([]byte(key), skew, nil)
	if err != nil {
		return err
	}

	req := &http.Request{
		Method:     method,
		RequestURI: target,
		URL:        &url.URL{},
		Header:     http.Header{},
	}
	req.Header.Set(auth.HeaderSignature, signature)
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(timestamp, 10))

	if err := authenticator.Authenticate(req, body); err != nil {
		return fmt.Errorf("%w (reason=%s)", err, auth.RejectReason(err))
	}
	return nil
}

func readBody(literal, file string) ([]byte, error) {
	if literal != "" && file != "" {
		return nil, fmt.Errorf("-body and -body-file are mutually exclusive")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		return data, nil
	}
	if literal == "" {
		return nil, nil
	}
	return []byte(literal), nil
}

// shellQuote wraps s in single quotes for a POSIX shell, escaping any single
// quotes inside it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func usage() {
	fmt.Println("siggate-cli <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s      Compute apiSig/timestamp headers for a request\n", signCommand)
	fmt.Printf("  %s    Check a signature against the shared secret\n", verifyCommand)
}
