package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsApp implements Transport over whatsmeow. Each line's credential ref
// is the JID of a paired device stored in the shared session container; one
// client is kept per device.
type WhatsApp struct {
	container *sqlstore.Container

	mu      sync.Mutex
	clients map[string]*whatsmeow.Client
}

// NewWhatsApp opens the provider session store at storePath.
func NewWhatsApp(ctx context.Context, storePath string) (*WhatsApp, error) {
	dbLog := waLog.Stdout("transport-db", "WARN", true)
	url := "file:" + storePath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", url, dbLog)
	if err != nil {
		return nil, fmt.Errorf("transport: open session store %s: %w", storePath, err)
	}
	return &WhatsApp{
		container: container,
		clients:   make(map[string]*whatsmeow.Client),
	}, nil
}

// SendText delivers a plain text message through the line's device.
func (w *WhatsApp) SendText(ctx context.Context, creds Credentials, to, text string) error {
	client, err := w.client(ctx, creds)
	if err != nil {
		return err
	}
	jid := types.NewJID(to, types.DefaultUserServer)
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("transport: send text via %s: %w", creds.Ref, err)
	}
	return nil
}

// SendMedia fetches the media and delivers it as an image message.
func (w *WhatsApp) SendMedia(ctx context.Context, creds Credentials, to string, media Media) error {
	client, err := w.client(ctx, creds)
	if err != nil {
		return err
	}

	data, err := fetchMedia(ctx, media.URL)
	if err != nil {
		return fmt.Errorf("transport: fetch media %s: %w", media.URL, err)
	}
	uploaded, err := client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("transport: upload media via %s: %w", creds.Ref, err)
	}

	jid := types.NewJID(to, types.DefaultUserServer)
	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}
	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("transport: send media via %s: %w", creds.Ref, err)
	}
	return nil
}

// ValidateCredentials reports whether the device is paired, connected, and
// logged in. Connectivity can lag provider-side bans, so a true answer may
// still be followed by a send failure.
func (w *WhatsApp) ValidateCredentials(ctx context.Context, creds Credentials) bool {
	client, err := w.client(ctx, creds)
	if err != nil {
		return false
	}
	return client.IsConnected() && client.IsLoggedIn()
}

// Pair registers a new device: it prints a QR login flow, writes the QR PNG
// to qrPath, and returns the paired device JID to store as the line's
// credential ref.
func (w *WhatsApp) Pair(ctx context.Context, qrPath string) (string, error) {
	device := w.container.NewDevice()
	client := whatsmeow.NewClient(device, waLog.Stdout("transport", "INFO", true))

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return "", fmt.Errorf("transport: qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return "", fmt.Errorf("transport: connect for pairing: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err != nil {
				return "", fmt.Errorf("transport: write qr image %s: %w", qrPath, err)
			}
		case "success":
			if client.Store.ID == nil {
				return "", fmt.Errorf("transport: pairing succeeded but device has no JID")
			}
			ref := client.Store.ID.String()
			w.mu.Lock()
			w.clients[ref] = client
			w.mu.Unlock()
			return ref, nil
		}
	}
	return "", fmt.Errorf("transport: pairing aborted")
}

// Close disconnects all clients and closes the session store.
func (w *WhatsApp) Close(ctx context.Context) error {
	w.mu.Lock()
	for _, client := range w.clients {
		client.Disconnect()
	}
	w.clients = make(map[string]*whatsmeow.Client)
	w.mu.Unlock()
	return w.container.Close()
}

// client returns a connected client for the credential ref, creating one
// from the stored device session on first use.
func (w *WhatsApp) client(ctx context.Context, creds Credentials) (*whatsmeow.Client, error) {
	if creds.Ref == "" {
		return nil, fmt.Errorf("transport: credential ref is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if client, ok := w.clients[creds.Ref]; ok {
		return client, nil
	}

	jid, err := types.ParseJID(creds.Ref)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid credential ref %q: %w", creds.Ref, err)
	}
	device, err := w.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("transport: load device %s: %w", creds.Ref, err)
	}
	if device == nil {
		return nil, fmt.Errorf("transport: no paired device for %s", creds.Ref)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("transport", "WARN", true))
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", creds.Ref, err)
	}
	w.clients[creds.Ref] = client
	return client, nil
}

func fetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
