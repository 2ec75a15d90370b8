// cmd/signaling-ctl is a readline-driven operator console for the
// signaling server: it registers a session, opens or joins a mailbox,
// derives pairing keys locally, and tails the WebSocket subscription
// while showing a live count of messages received. It is diagnostic
// tooling, not a WebRTC client — every message it sends is something the
// operator typed, encrypted locally; it never speaks SDP/ICE.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Metaphorme/signaling/pkg/api"
	signalingcrypto "github.com/Metaphorme/signaling/pkg/crypto"
	"github.com/Metaphorme/signaling/pkg/idgen"
	"github.com/Metaphorme/signaling/pkg/models"
	"github.com/Metaphorme/signaling/pkg/ui"
)

func main() {
	var server, label, link string
	flag.StringVar(&server, "server", "http://127.0.0.1:8080", "signaling server base URL")
	flag.StringVar(&label, "label", "signaling-ctl", "device_label sent at register")
	flag.StringVar(&link, "link", "", "pairing link to join (scheme://host/path?token=...#secret); omit to initiate a new pairing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	console, err := ui.NewConsole("signaling-ctl> ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "console:", err)
		os.Exit(1)
	}
	defer console.Close()

	client := api.NewClient(server)

	reg, err := client.Register(ctx, label)
	if err != nil {
		console.Logf("register failed: %v", err)
		os.Exit(1)
	}
	console.Logf("registered as %s (%s)", reg.DisplayName, idgen.Redact(reg.ClientID))

	var mailboxID, secretHex string
	if link == "" {
		mailboxID, secretHex, err = initiate(ctx, client, console, reg, server)
	} else {
		mailboxID, secretHex, err = join(ctx, client, console, reg, link)
	}
	if err != nil {
		console.Logf("pairing setup failed: %v", err)
		os.Exit(1)
	}

	secret, err := hex.DecodeString(secretHex)
	if err != nil || len(secret) != signalingcrypto.SecretLen {
		console.Logf("invalid secret: %v", err)
		os.Exit(1)
	}
	keys, err := signalingcrypto.Derive(secret)
	if err != nil {
		console.Logf("key derivation failed: %v", err)
		os.Exit(1)
	}
	ui.PrintPeerVerifyCard(console, mailboxID, keys.SAS)

	wsURL := client.WebSocketURL(mailboxID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		console.Logf("websocket dial failed: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	progress := mpb.New(mpb.WithWidth(48), mpb.WithRefreshRate(150*time.Millisecond), mpb.WithOutput(os.Stderr))
	bar := progress.AddBar(-1,
		mpb.PrependDecorators(decor.Name("messages received", decor.WC{W: 20})),
		mpb.AppendDecorators(decor.CurrentNoUnit("%d")),
	)

	go readLoop(conn, console, bar, keys)

	console.Logln("type a message and press enter to send it encrypted; Ctrl-D to quit")
	for {
		line, err := console.Readline()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		frame, err := signalingcrypto.Encrypt(keys.KSig, []byte(line))
		if err != nil {
			console.Logf("encrypt failed: %v", err)
			continue
		}
		if err := client.ConnectionSend(ctx, mailboxID, base64.StdEncoding.EncodeToString(frame)); err != nil {
			console.Logf("send failed: %v", err)
		}
	}
}

func initiate(ctx context.Context, client *api.Client, console *ui.Console, reg *models.RegisterResponse, server string) (mailboxID, secretHex string, err error) {
	secret, err := signalingcrypto.GenerateSecret()
	if err != nil {
		return "", "", err
	}
	rendezvousID, err := idgen.NewRendezvousID()
	if err != nil {
		return "", "", err
	}
	resp, err := client.ConnectionInit(ctx, reg.ClientID, reg.SessionToken, rendezvousID)
	if err != nil {
		return "", "", err
	}
	secretHex = hex.EncodeToString(secret)
	ui.PrintMailboxCard(console, resp.MailboxID, rendezvousID)
	console.Logln("share this link out of band: " + server + "?token=" + rendezvousID + "#" + secretHex)
	return resp.MailboxID, secretHex, nil
}

func join(ctx context.Context, client *api.Client, console *ui.Console, reg *models.RegisterResponse, link string) (mailboxID, secretHex string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", fmt.Errorf("parse link: %w", err)
	}
	token := u.Query().Get("token")
	secretHex = u.Fragment
	if token == "" || secretHex == "" {
		return "", "", fmt.Errorf("link missing token query param or secret fragment")
	}
	resp, err := client.ConnectionJoin(ctx, reg.ClientID, reg.SessionToken, token)
	if err != nil {
		return "", "", err
	}
	console.Logf("joined mailbox %s", resp.MailboxID)
	return resp.MailboxID, secretHex, nil
}

func readLoop(conn *websocket.Conn, console *ui.Console, bar *mpb.Bar, keys signalingcrypto.Keys) {
	for {
		var msg models.MailboxMessageView
		if err := conn.ReadJSON(&msg); err != nil {
			console.Logf("subscription ended: %v", err)
			return
		}
		bar.Increment()
		raw, err := base64.StdEncoding.DecodeString(msg.CiphertextB64)
		if err != nil {
			console.Logf("seq %d: undecodable ciphertext_b64", msg.Seq)
			continue
		}
		plain, err := signalingcrypto.Decrypt(keys.KSig, raw)
		if err != nil {
			console.Logf("seq %d: decrypt failed (not from this pairing?)", msg.Seq)
			continue
		}
		console.Logf("seq %d from %s: %s", msg.Seq, idgen.Redact(msg.FromMailboxID), string(plain))
	}
}
