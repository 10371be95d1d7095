// invites-cli is a command-line client for interacting with an invitesd node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-invites/config"
	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/invites"
	"github.com/Klingon-tech/klingnet-invites/internal/rpc"
	"github.com/Klingon-tech/klingnet-invites/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-invites/internal/wallet"
	"github.com/Klingon-tech/klingnet-invites/pkg/types"
)

// txTimeout bounds calls that wait for a transaction to be mined.
const txTimeout = 35 * time.Minute

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := "http://127.0.0.1:8555"
	dataDir := config.DefaultDataDir()

	// Scan for --rpc and --datadir before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := filepath.Join(dataDir, "keystore")
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "accounts":
		cmdAccounts(client)
	case "wallet":
		cmdWallet(cmdArgs, ksDir)
	case "user":
		cmdUser(client, cmdArgs)
	case "contact":
		cmdContact(client, cmdArgs)
	case "invites":
		cmdInvites(client, rpcURL, cmdArgs)
	case "events":
		cmdEvents(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: invites-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8555)
  --datadir <path>    Data directory (default: ~/.invitesd)

Commands:
  status                          Show ledger network and node status
  peers                           Show connected feed peers
  bans                            Show banned feed peers
  accounts                        List ledger accounts held by the node

  wallet create --name <n>        Create a new wallet
  wallet import --name <n> --mnemonic "..."
                                  Import wallet from mnemonic
  wallet list                     List wallets
  wallet address --wallet <w>     List wallet accounts
  wallet new-address --wallet <w> Derive the next account

  user create --name <n> [--account <addr>]
                                  Create an own user with a fresh public feed
  user list                       List own users
  contact add --user <id> --feed <public feed>
                                  Add a contact by public feed

  invites list --user <id>        List contacts and received invites
  invites allowance <address>     Check the stake allowance of an account
  invites approve --user <id> --contact <id> [--gas-price <gwei>]
                                  Approve the invites contract to take the stake
  invites send --user <id> --contact <id>
                                  Stake an invite to a contact
  invites accept --user <id> --peer <id>
                                  Accept a received invite
  invites signature --user <id> --contact <id> --sig <hex>
                                  Record the acceptance signature of a contact
  invites decline --user <id> --peer <id>
                                  Decline a received invite and seize its stake
  invites reclaim --user <id> --contact <id>
                                  Retrieve the stake of an accepted invite
  invites details --kind <k> --user <id> --id <id>
                                  Show the unsigned transaction of a kind
                                  (approve, sendInvite, retrieveStake, declineInvite)
  invites gas --gas <n> --gas-price <gwei>
                                  Show stake and fee in display units

  events [--since <seq>] [--follow]
                                  Show contact and invite notifications
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.NodeInfo(context.Background())
	if err != nil {
		fatal("node_info: %v", err)
	}

	supported := "yes"
	if !info.Supported {
		supported = "no (invites disabled)"
	}
	fmt.Printf("Network:   %s (%d)\n", info.NetworkName, info.NetworkID)
	fmt.Printf("Supported: %s\n", supported)
	fmt.Printf("Block:     %d\n", info.LatestBlock)
	fmt.Printf("Users:     %d\n", info.Users)
	fmt.Printf("Live:      %d\n", info.Subscriptions)
	if info.PeerID != "" {
		fmt.Printf("Peer ID:   %s\n", info.PeerID)
		fmt.Printf("Peers:     %d\n", info.Peers)
	}
	fmt.Printf("Uptime:    %s\n", time.Duration(info.Uptime)*time.Second)
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	info, err := client.NodeInfo(context.Background())
	if err != nil {
		fatal("node_info: %v", err)
	}
	fmt.Printf("Node ID: %s\n", info.PeerID)
	for _, a := range info.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:   %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s via %s (connected: %s)\n", p.ID, p.Source, time.Unix(p.ConnectedAt, 0).Format(time.RFC3339))
	}
}

func cmdBans(client *rpcclient.Client) {
	var res rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &res); err != nil {
		fatal("net_getBanList: %v", err)
	}
	if len(res.Bans) == 0 {
		fmt.Println("No banned peers")
		return
	}
	for _, b := range res.Bans {
		until := "permanent"
		if b.ExpiresAt != 0 {
			until = "until " + time.Unix(b.ExpiresAt, 0).Format(time.RFC3339)
		}
		fmt.Printf("  %s (score %d) %s: %s\n", b.ID, b.Score, until, b.Reason)
	}
}

func cmdAccounts(client *rpcclient.Client) {
	var res rpc.AccountsResult
	if err := client.Call("wallet_accounts", nil, &res); err != nil {
		fatal("wallet_accounts: %v", err)
	}
	for _, a := range res.Accounts {
		fmt.Println(a)
	}
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdWallet(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: invites-cli wallet <create|import|list|address|new-address> [flags]")
	}

	switch args[0] {
	case "create":
		cmdWalletCreate(args[1:], ksDir)
	case "import":
		cmdWalletImport(args[1:], ksDir)
	case "list":
		cmdWalletList(ksDir)
	case "address":
		cmdWalletAddress(args[1:], ksDir)
	case "new-address":
		cmdWalletNewAddress(args[1:], ksDir)
	default:
		fatal("Unknown wallet command: %s\nUsage: invites-cli wallet <create|import|list|address|new-address> [flags]", args[0])
	}
}

func cmdWalletCreate(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet create", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: invites-cli wallet create --name <name>")
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}
	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	createWallet(ksDir, *name, mnemonic)
	fmt.Printf("\nWallet created: %s\n", *name)
}

func cmdWalletImport(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet import", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic (24 words)")
	fs.Parse(args)

	if *name == "" || *mnemonic == "" {
		fatal("Usage: invites-cli wallet import --name <name> --mnemonic \"word1 word2 ...\"")
	}
	if !wallet.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	createWallet(ksDir, *name, *mnemonic)
	fmt.Printf("Wallet imported: %s\n", *name)
}

// createWallet stores the mnemonic's seed under a new password and records
// account 0.
func createWallet(ksDir, name, mnemonic string) {
	password := readNewPassword()

	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}
	defer clear(seed)

	w, err := wallet.FromSeed(seed, 0)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	addr, err := w.DeriveAccount(0)
	if err != nil {
		fatal("derive account: %v", err)
	}
	w.Lock()

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}
	if err := ks.Create(name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}
	if err := ks.AddAccount(name, wallet.AccountEntry{Index: 0, Name: "Default", Address: addr.Hex()}); err != nil {
		fatal("add account: %v", err)
	}
	fmt.Printf("Address: %s\n", addr.Hex())
}

func cmdWalletList(ksDir string) {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	names, err := ks.List()
	if err != nil {
		fatal("list wallets: %v", err)
	}
	if len(names) == 0 {
		fmt.Println("No wallets found")
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func cmdWalletAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet address", flag.ExitOnError)
	name := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: invites-cli wallet address --wallet <name>")
	}
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	accts, err := ks.ListAccounts(*name)
	if err != nil {
		fatal("list accounts: %v", err)
	}
	for _, a := range accts {
		fmt.Printf("  [%d] %s  %s\n", a.Index, a.Address, a.Name)
	}
}

func cmdWalletNewAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet new-address", flag.ExitOnError)
	name := fs.String("wallet", "", "Wallet name")
	label := fs.String("label", "", "Account label")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: invites-cli wallet new-address --wallet <name> [--label <l>]")
	}
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	accts, err := ks.ListAccounts(*name)
	if err != nil {
		fatal("list accounts: %v", err)
	}
	var next uint32
	for _, a := range accts {
		if a.Index >= next {
			next = a.Index + 1
		}
	}

	password, err := readPassword("Wallet password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	seed, err := ks.Load(*name, password)
	if err != nil {
		fatal("unlock wallet: %v", err)
	}
	defer clear(seed)

	w, err := wallet.FromSeed(seed, 0)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	addr, err := w.DeriveAccount(next)
	if err != nil {
		fatal("derive account: %v", err)
	}
	w.Lock()
	if err := ks.AddAccount(*name, wallet.AccountEntry{Index: next, Name: *label, Address: addr.Hex()}); err != nil {
		fatal("add account: %v", err)
	}
	fmt.Printf("[%d] %s\n", next, addr.Hex())
	fmt.Println("Restart invitesd to unlock the new account.")
}

// ── identity ────────────────────────────────────────────────────────────

func cmdUser(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: invites-cli user <create|list> [flags]")
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("user create", flag.ExitOnError)
		name := fs.String("name", "", "Display name")
		account := fs.String("account", "", "Ledger account (default: first wallet account)")
		fs.Parse(args[1:])
		if *name == "" {
			fatal("Usage: invites-cli user create --name <name> [--account <addr>]")
		}
		var u identity.OwnUser
		if err := client.Call("identity_createUser", rpc.CreateUserParam{Name: *name, Account: *account}, &u); err != nil {
			fatal("identity_createUser: %v", err)
		}
		printUser(&u)
	case "list":
		var users []identity.OwnUser
		if err := client.Call("identity_listUsers", nil, &users); err != nil {
			fatal("identity_listUsers: %v", err)
		}
		if len(users) == 0 {
			fmt.Println("No users")
			return
		}
		for i := range users {
			printUser(&users[i])
			fmt.Println()
		}
	default:
		fatal("Unknown user command: %s", args[0])
	}
}

func printUser(u *identity.OwnUser) {
	fmt.Printf("User:     %s (%s)\n", u.ID, u.Name)
	fmt.Printf("Account:  %s\n", u.EthAddress)
	fmt.Printf("Feed:     %s\n", u.PublicFeed.Feed)
	fmt.Printf("FeedHash: %s\n", u.PublicFeed.FeedHash)
}

func cmdContact(client *rpcclient.Client, args []string) {
	if len(args) < 1 || args[0] != "add" {
		fatal("Usage: invites-cli contact add --user <id> --feed <public feed>")
	}
	fs := flag.NewFlagSet("contact add", flag.ExitOnError)
	user := fs.String("user", "", "Own user ID")
	feedAddr := fs.String("feed", "", "Peer public feed")
	fs.Parse(args[1:])
	if *user == "" || *feedAddr == "" {
		fatal("Usage: invites-cli contact add --user <id> --feed <public feed>")
	}

	var c rpc.ContactResult
	if err := client.Call("identity_addContact", rpc.AddContactParam{UserID: *user, PublicFeed: *feedAddr}, &c); err != nil {
		fatal("identity_addContact: %v", err)
	}
	printContact(&c)
}

// ── invites ─────────────────────────────────────────────────────────────

func cmdInvites(client *rpcclient.Client, rpcURL string, args []string) {
	if len(args) < 1 {
		fatal("Usage: invites-cli invites <list|allowance|approve|send|accept|signature|decline|reclaim|details|gas> [flags]")
	}
	// Sends block until mined.
	txClient := rpcclient.NewWithTimeout(rpcURL, txTimeout)

	fs := flag.NewFlagSet("invites "+args[0], flag.ExitOnError)
	user := fs.String("user", "", "Own user ID")
	contact := fs.String("contact", "", "Contact ID")
	peer := fs.String("peer", "", "Peer ID")
	gasPrice := fs.String("gas-price", "", "Gas price in gwei")
	sig := fs.String("sig", "", "Acceptance signature (hex)")
	kind := fs.String("kind", "", "Transaction kind")
	id := fs.String("id", "", "Contact ID, or peer ID for declineInvite")
	gas := fs.Uint64("gas", 0, "Gas limit")
	fs.Parse(args[1:])

	switch args[0] {
	case "list":
		requireFlags("invites list --user <id>", *user)
		var res rpc.InvitesListResult
		if err := client.Call("invites_list", rpc.UserParam{UserID: *user}, &res); err != nil {
			fatal("invites_list: %v", err)
		}
		fmt.Printf("Contacts: %d\n", len(res.Contacts))
		for i := range res.Contacts {
			printContact(&res.Contacts[i])
		}
		fmt.Printf("Invite requests: %d\n", len(res.Requests))
		for _, r := range res.Requests {
			fmt.Printf("  peer %s from %s (%s) on %s\n", r.PeerID, r.FromAddress, r.Status, r.Network)
		}

	case "allowance":
		if fs.NArg() < 1 {
			fatal("Usage: invites-cli invites allowance <address>")
		}
		var res rpc.AllowanceResult
		if err := client.Call("invites_checkAllowance", rpc.AddressParam{Address: fs.Arg(0)}, &res); err != nil {
			fatal("invites_checkAllowance: %v", err)
		}
		fmt.Printf("Allowance covers stake: %v\n", res.Sufficient)

	case "approve":
		requireFlags("invites approve --user <id> --contact <id> [--gas-price <gwei>]", *user, *contact)
		price, err := gweiToWei(*gasPrice)
		if err != nil {
			fatal("--gas-price: %v", err)
		}
		printTx(txClient, "invites_sendApproval", rpc.ApprovalParam{UserID: *user, ContactID: *contact, GasPrice: price})

	case "send":
		requireFlags("invites send --user <id> --contact <id>", *user, *contact)
		printTx(txClient, "invites_send", rpc.ContactParam{UserID: *user, ContactID: *contact})

	case "accept":
		requireFlags("invites accept --user <id> --peer <id>", *user, *peer)
		var c rpc.ContactResult
		if err := client.Call("invites_accept", rpc.PeerParam{UserID: *user, PeerID: *peer}, &c); err != nil {
			fatal("invites_accept: %v", err)
		}
		printContact(&c)

	case "signature":
		requireFlags("invites signature --user <id> --contact <id> --sig <hex>", *user, *contact, *sig)
		var c rpc.ContactResult
		if err := client.Call("invites_recordSignature", rpc.SignatureParam{UserID: *user, ContactID: *contact, Signature: *sig}, &c); err != nil {
			fatal("invites_recordSignature: %v", err)
		}
		printContact(&c)

	case "decline":
		requireFlags("invites decline --user <id> --peer <id>", *user, *peer)
		printTx(txClient, "invites_decline", rpc.PeerParam{UserID: *user, PeerID: *peer})

	case "reclaim":
		requireFlags("invites reclaim --user <id> --contact <id>", *user, *contact)
		printTx(txClient, "invites_retrieveStake", rpc.ContactParam{UserID: *user, ContactID: *contact})

	case "details":
		requireFlags("invites details --kind <k> --user <id> --id <id>", *kind, *user, *id)
		var d invites.TxDetails
		if err := client.Call("invites_txDetails", rpc.TxDetailsParam{Kind: *kind, UserID: *user, ID: *id}, &d); err != nil {
			fatal("invites_txDetails: %v", err)
		}
		fmt.Printf("From:      %s\n", d.From.Hex())
		fmt.Printf("To:        %s\n", d.To.Hex())
		fmt.Printf("Nonce:     %d\n", d.Nonce)
		fmt.Printf("Gas:       %d\n", d.Gas)
		fmt.Printf("Gas price: %s gwei\n", d.GasPriceGwei)
		fmt.Printf("Max fee:   %s\n", d.MaxCost)
		fmt.Printf("Stake:     %s\n", d.StakeAmount)
		fmt.Printf("Data:      %s\n", d.Data)

	case "gas":
		requireFlags("invites gas --gas <n> --gas-price <gwei>", *gasPrice)
		price, err := gweiToWei(*gasPrice)
		if err != nil {
			fatal("--gas-price: %v", err)
		}
		var v invites.GasValues
		if err := client.Call("invites_gasValues", rpc.GasValuesParam{Gas: *gas, GasPrice: price}, &v); err != nil {
			fatal("invites_gasValues: %v", err)
		}
		fmt.Printf("Stake:     %s\n", v.StakeAmount)
		fmt.Printf("Max fee:   %s\n", v.MaxCost)
		fmt.Printf("Gas price: %s gwei\n", v.GasPriceGwei)

	default:
		fatal("Unknown invites command: %s", args[0])
	}
}

// gweiToWei converts a gwei amount such as "2.5" to the decimal wei string
// the daemon expects. Empty stays empty.
func gweiToWei(gwei string) (string, error) {
	if gwei == "" {
		return "", nil
	}
	wei, err := types.ParseUnits(gwei, types.GweiDecimals)
	if err != nil {
		return "", err
	}
	if wei.Sign() < 0 {
		return "", fmt.Errorf("negative gas price %s", gwei)
	}
	return wei.String(), nil
}

func printTx(client *rpcclient.Client, method string, params interface{}) {
	fmt.Fprintln(os.Stderr, "Waiting for the transaction to be mined...")
	hash, err := client.Submit(context.Background(), method, params)
	if err != nil {
		if rpcclient.ErrorCode(err) == rpc.CodeTransactionFailed {
			fatal("%s: transaction failed, contact state was rolled back: %v", method, err)
		}
		fatal("%s: %v", method, err)
	}
	if hash == "" {
		fmt.Println("Nothing to submit")
		return
	}
	fmt.Printf("Mined: %s\n", hash)
}

func printContact(c *rpc.ContactResult) {
	if c.Contact == nil {
		return
	}
	name := c.PeerID
	if c.Peer != nil && c.Peer.Name != "" {
		name = c.Peer.Name
	}
	status := c.Status
	if status == "" {
		status = "none"
	}
	fmt.Printf("  contact %s: %s (peer %s) invite: %s\n", c.ID, name, c.PeerID, status)
	if inv := c.Invite; inv != nil && inv.InviteTX != "" {
		fmt.Printf("    tx %s on %s\n", inv.InviteTX, inv.Network)
	}
}

// ── events ──────────────────────────────────────────────────────────────

func cmdEvents(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	since := fs.Uint64("since", 0, "Show events after this sequence number")
	follow := fs.Bool("follow", false, "Keep polling for new events")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval with --follow")
	fs.Parse(args)

	if !*follow {
		res, err := client.Events(context.Background(), *since)
		if err != nil {
			fatal("invites_events: %v", err)
		}
		printEvents(res)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	next, err := client.FollowEvents(ctx, *since, *interval, printEvents)
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal("invites_events: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Resume with --since %d\n", next)
}

func printEvents(res *rpc.EventsResult) {
	if res.Dropped {
		fmt.Fprintln(os.Stderr, "Warning: some events were dropped before this poll")
	}
	for _, ev := range res.Events {
		data, _ := json.Marshal(ev)
		fmt.Println(string(data))
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────

func requireFlags(usage string, values ...string) {
	for _, v := range values {
		if v == "" {
			fatal("Usage: invites-cli %s", usage)
		}
	}
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func readNewPassword() []byte {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	return password
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
