package main

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/elnosh/provablegbp/client"
	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	mintURL string
	keys    *crypto.Keys
)

func loadEnv() {
	envPath := filepath.Join(configPath(), ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return
		}
		envPath = filepath.Join(wd, ".env")
	}
	godotenv.Load(envPath)
}

func configPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".pgbp")
}

func getMintURL() string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return "http://127.0.0.1:3338"
	}
	url := &url.URL{
		Scheme: "http",
		Host:   mintHost + ":" + mintPort,
	}
	return url.String()
}

// setup loads the mint url. Commands that sign also need PGBP_MNEMONIC.
func setup(ctx *cli.Context) error {
	loadEnv()
	mintURL = getMintURL()
	return nil
}

func setupKeys(ctx *cli.Context) error {
	setup(ctx)

	mnemonic := os.Getenv("PGBP_MNEMONIC")
	if len(mnemonic) == 0 {
		printErr(errors.New("PGBP_MNEMONIC not set. Generate one with the keygen command"))
	}
	var err error
	keys, err = crypto.KeysFromMnemonic(mnemonic)
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "pgbp",
		Usage: "Provable GBP mint cli",
		Commands: []*cli.Command{
			keygenCmd,
			infoCmd,
			publicKeyCmd,
			mintRequestCmd,
			getMintRequestCmd,
			getAuthRequestCmd,
			authGrantedCmd,
			eventsCmd,
			balanceCmd,
			totalSupplyCmd,
			pauseCmd,
			unpauseCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var keygenCmd = &cli.Command{
	Name:   "keygen",
	Usage:  "Generate a new mnemonic and print the keys derived from it",
	Action: keygen,
}

func keygen(ctx *cli.Context) error {
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		printErr(err)
	}
	keys, err := crypto.KeysFromMnemonic(mnemonic)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("mnemonic: %v\n", mnemonic)
	fmt.Printf("identity: %v\n", keys.Identity.Id())
	fmt.Printf("encryption key: %v\n", keys.Encryption.PublicKeyBase64())
	return nil
}

var infoCmd = &cli.Command{
	Name:   "info",
	Before: setup,
	Action: info,
}

func info(ctx *cli.Context) error {
	info, err := client.GetInfo(mintURL)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("name: %v (%v)\n", info.Name, info.Symbol)
	fmt.Printf("operator: %v\n", info.Operator)
	fmt.Printf("settlement ratio: %v/%v\n", info.RatioNumerator, info.RatioDenominator)
	fmt.Printf("request ttl: %v\n", time.Duration(info.RequestTTL)*time.Second)
	fmt.Printf("paused: %v\n", info.Paused)
	fmt.Printf("total supply: %v\n", info.TotalSupply)
	return nil
}

var publicKeyCmd = &cli.Command{
	Name:   "public-key",
	Usage:  "Print the operator encryption key published by the mint",
	Before: setup,
	Action: publicKey,
}

func publicKey(ctx *cli.Context) error {
	key, err := client.GetPublicKey(mintURL)
	if err != nil {
		printErr(err)
	}
	fmt.Println(key)
	return nil
}

const (
	institutionFlag = "institution"
	sortCodeFlag    = "sort-code"
	accountFlag     = "account"
	nameFlag        = "name"
	codeFlag        = "code"
)

var mintRequestCmd = &cli.Command{
	Name:      "mint-request",
	Usage:     "Request minting of an amount of tokens paid from your bank account",
	ArgsUsage: "[amount]",
	Before:    setupKeys,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: institutionFlag, Usage: "bank institution id", Required: true},
		&cli.StringFlag{Name: sortCodeFlag, Usage: "6 digit sort code", Required: true},
		&cli.StringFlag{Name: accountFlag, Usage: "8 digit account number", Required: true},
		&cli.StringFlag{Name: nameFlag, Usage: "account holder name", Required: true},
	},
	Action: mintRequest,
}

func mintRequest(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := pgbp.ToWei(args.First(), pgbp.TokenDecimals)
	if err != nil {
		printErr(err)
	}

	payload := pgbp.MintRequestPayload{
		InstitutionId: ctx.String(institutionFlag),
		SortCode:      ctx.String(sortCodeFlag),
		AccountNumber: ctx.String(accountFlag),
		Name:          ctx.String(nameFlag),
		PublicKey:     keys.Encryption.PublicKeyBase64(),
	}
	if err := payload.Validate(); err != nil {
		printErr(err)
	}

	operatorKey, err := client.GetPublicKey(mintURL)
	if err != nil {
		printErr(err)
	}
	data, err := crypto.EncryptData(operatorKey, payload)
	if err != nil {
		printErr(err)
	}

	request, err := client.PostMintRequest(mintURL, keys.Identity, amount, data)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("mint request: %v\n", request.Id)
	fmt.Printf("expires at: %v\n\n", time.Unix(request.Expiration, 0).UTC())
	fmt.Println("once the operator sends the payment authorization, get it with the get-auth-request command")
	return nil
}

var getMintRequestCmd = &cli.Command{
	Name:      "get-mint-request",
	ArgsUsage: "[id]",
	Before:    setup,
	Action:    getMintRequest,
}

func getMintRequest(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mint request id"))
	}
	request, err := client.GetMintRequest(mintURL, args.First())
	if err != nil {
		printErr(err)
	}

	amount, err := pgbp.ParseAmount(request.Amount)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("id: %v\n", request.Id)
	fmt.Printf("requester: %v\n", request.Requester)
	fmt.Printf("amount: %v\n", pgbp.ToDecimal(amount, pgbp.TokenDecimals))
	fmt.Printf("status: %v\n", request.Status)
	fmt.Printf("expiration: %v\n", time.Unix(request.Expiration, 0).UTC())
	return nil
}

var getAuthRequestCmd = &cli.Command{
	Name:      "get-auth-request",
	Usage:     "Decrypt the payment authorization sent by the operator",
	ArgsUsage: "[id]",
	Before:    setupKeys,
	Action:    getAuthRequest,
}

func getAuthRequest(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mint request id"))
	}
	events, err := client.GetEvents(mintURL, pgbp.EventFilter{
		RequestId: args.First(),
		Kinds:     []pgbp.EventKind{pgbp.AuthRequestEvent},
	})
	if err != nil {
		printErr(err)
	}
	if len(events) == 0 {
		printErr(errors.New("operator has not sent the payment authorization yet"))
	}

	var challenge pgbp.AuthRequestPayload
	if err := keys.Encryption.DecryptData(events[0].EncryptedData, &challenge); err != nil {
		printErr(fmt.Errorf("could not decrypt authorization: %v", err))
	}

	fmt.Printf("consent: %v\n", challenge.ConsentId)
	fmt.Printf("authorize the payment at: %v\n\n", challenge.Url)
	fmt.Println("after authorizing, send the consent code with the auth-granted command")
	return nil
}

var authGrantedCmd = &cli.Command{
	Name:      "auth-granted",
	Usage:     "Send the consent code of the authorized payment to the operator",
	ArgsUsage: "[id]",
	Before:    setupKeys,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: codeFlag, Usage: "consent code returned by the bank", Required: true},
	},
	Action: authGranted,
}

func authGranted(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a mint request id"))
	}

	payload := pgbp.AuthGrantedPayload{
		ConsentCode: ctx.String(codeFlag),
		PublicKey:   keys.Encryption.PublicKeyBase64(),
	}
	if err := payload.Validate(); err != nil {
		printErr(err)
	}
	operatorKey, err := client.GetPublicKey(mintURL)
	if err != nil {
		printErr(err)
	}
	data, err := crypto.EncryptData(operatorKey, payload)
	if err != nil {
		printErr(err)
	}

	request, err := client.PostAuthGranted(mintURL, keys.Identity, args.First(), data)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("mint request %v is %v. Tokens are minted once the payment settles\n", request.Id, request.Status)
	return nil
}

const (
	fromFlag = "from"
	kindFlag = "kind"
)

var eventsCmd = &cli.Command{
	Name:   "events",
	Before: setup,
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: fromFlag, Usage: "first event sequence number", Value: 1},
		&cli.StringSliceFlag{Name: kindFlag, Usage: "only events of this kind"},
	},
	Action: events,
}

func events(ctx *cli.Context) error {
	filter := pgbp.EventFilter{FromSeq: ctx.Uint64(fromFlag)}
	for _, kind := range ctx.StringSlice(kindFlag) {
		eventKind := pgbp.StringToEventKind(kind)
		if eventKind == pgbp.UnknownEvent {
			printErr(fmt.Errorf("unknown event kind '%v'", kind))
		}
		filter.Kinds = append(filter.Kinds, eventKind)
	}

	events, err := client.GetEvents(mintURL, filter)
	if err != nil {
		printErr(err)
	}
	for _, event := range events {
		fmt.Printf("%v\t%v\t%v\t%v\n", event.Seq, event.Kind, event.RequestId, time.Unix(event.Timestamp, 0).UTC())
	}
	return nil
}

var balanceCmd = &cli.Command{
	Name:      "balance",
	ArgsUsage: "[account]",
	Before:    setup,
	Action:    getBalance,
}

func getBalance(ctx *cli.Context) error {
	args := ctx.Args()
	account := args.First()
	if len(account) == 0 {
		setupKeys(ctx)
		account = keys.Identity.Id()
	}

	balance, err := client.GetBalance(mintURL, account)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v PGBP\n", pgbp.ToDecimal(balance, pgbp.TokenDecimals))
	return nil
}

var totalSupplyCmd = &cli.Command{
	Name:   "total-supply",
	Before: setup,
	Action: totalSupply,
}

func totalSupply(ctx *cli.Context) error {
	supply, err := client.GetTotalSupply(mintURL)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v PGBP\n", pgbp.ToDecimal(supply, pgbp.TokenDecimals))
	return nil
}

var pauseCmd = &cli.Command{
	Name:   "pause",
	Usage:  "Pause new mint requests. Operator only",
	Before: setupKeys,
	Action: pause,
}

func pause(ctx *cli.Context) error {
	response, err := client.PostPause(mintURL, keys.Identity)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("paused: %v\n", response.Paused)
	return nil
}

var unpauseCmd = &cli.Command{
	Name:   "unpause",
	Usage:  "Resume mint requests. Operator only",
	Before: setupKeys,
	Action: unpause,
}

func unpause(ctx *cli.Context) error {
	response, err := client.PostUnpause(mintURL, keys.Identity)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("paused: %v\n", response.Paused)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
