package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/openmarket/receipt"
)

func main() {
	var (
		receiptInput = flag.String("receipt", "", "Close receipt (file path or base64)")
		keyInput     = flag.String("public-key", "", "Market public key PEM file")
		bidID        = flag.String("bid-id", "", "Your bid id")
		amount       = flag.String("amount", "", "Your bid amount")
		winner       = flag.Bool("winner", false, "Expect the bid to have won")
		finalPrice   = flag.String("final-price", "", "Expected final price (optional)")
		outputFormat = flag.String("format", "text", "Output format: text or json")
		help         = flag.Bool("help", false, "Show usage information")
	)
	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}
	if *receiptInput == "" || *keyInput == "" || *bidID == "" || *amount == "" {
		showUsage()
		fmt.Fprintf(os.Stderr, "\nError: --receipt, --public-key, --bid-id and --amount are required\n")
		os.Exit(1)
	}

	data, err := readReceipt(*receiptInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading receipt: %v\n", err)
		os.Exit(2)
	}
	keyPEM, err := os.ReadFile(*keyInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
		os.Exit(2)
	}
	pub, err := receipt.ParsePublicKeyPEM(keyPEM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing public key: %v\n", err)
		os.Exit(2)
	}

	in := receipt.InclusionInput{BidID: *bidID, ExpectWinner: *winner}
	if in.Amount, err = decimal.NewFromString(*amount); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing amount: %v\n", err)
		os.Exit(2)
	}
	if *finalPrice != "" {
		price, err := decimal.NewFromString(*finalPrice)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing final price: %v\n", err)
			os.Exit(2)
		}
		in.FinalPrice = decimal.NewNullDecimal(price)
	}

	result, err := receipt.ValidateBidInclusion(data, pub, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	if *outputFormat == "json" {
		outputJSON(result)
	} else {
		outputText(result)
	}

	if !result.IsValid() {
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("Close Receipt Validator")
	fmt.Println()
	fmt.Println("Checks that a bid was counted in a signed auction close receipt.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  receipt-validator --receipt <file|base64> --public-key <pem> --bid-id <id> --amount <n> [options]")
	fmt.Println()
	fmt.Println("Optional Flags:")
	fmt.Println("  --winner                 Expect the bid to have won")
	fmt.Println("  --final-price <n>        Expected final price")
	fmt.Println("  --format <text|json>     Output format (default: text)")
}

// readReceipt accepts a path to a raw or base64 file, or inline base64.
func readReceipt(input string) ([]byte, error) {
	raw, err := os.ReadFile(input)
	if err != nil {
		raw = []byte(input)
	}
	text := strings.TrimSpace(string(raw))
	if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(text); err == nil {
		return decoded, nil
	}
	return raw, nil
}

func outputJSON(result *receipt.ValidationResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
		os.Exit(2)
	}
}

func outputText(result *receipt.ValidationResult) {
	status := "VALID"
	if !result.IsValid() {
		status = "INVALID"
	}
	fmt.Printf("Receipt validation: %s\n\n", status)
	fmt.Printf("  Signature:   %t\n", result.SignatureValid)
	fmt.Printf("  Bid hash:    %t\n", result.BidHashValid)
	fmt.Printf("  Winner:      %t\n", result.WinnerValid)
	fmt.Printf("  Final price: %t\n", result.FinalPriceValid)
	fmt.Println()
	for _, d := range result.Details {
		fmt.Printf("  - %s\n", d)
	}
}
