package channels

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waMmsRetry"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
)

// DownloadMedia downloads the image of msg. Expired media (404/410) is
// re-requested from the sender once before giving up.
func (c *waConn) DownloadMedia(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("no message")
	}
	raw := rawMessage(msg)
	img := raw.GetImageMessage()
	if img == nil {
		return nil, fmt.Errorf("message %s has no image", msg.Key.ID)
	}

	data, err := c.client.Download(ctx, img)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith404) && !errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith410) {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}

	evt, ok := msg.Source.(*events.Message)
	if !ok {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	logger.InfoCF("whatsapp", "Media expired, requesting reupload", map[string]interface{}{
		"message_id": msg.Key.ID,
	})
	refreshed, rerr := c.requestReupload(ctx, evt, img)
	if rerr != nil {
		return nil, fmt.Errorf("failed to download media: %w (reupload: %v)", err, rerr)
	}
	data, err = c.client.Download(ctx, refreshed)
	if err != nil {
		return nil, fmt.Errorf("failed to download reuploaded media: %w", err)
	}
	return data, nil
}

// requestReupload asks the sender's phone to upload the media again and
// returns a copy of img pointing at the new path.
func (c *waConn) requestReupload(ctx context.Context, evt *events.Message, img *waE2E.ImageMessage) (*waE2E.ImageMessage, error) {
	wait := make(chan *events.MediaRetry, 1)
	c.retryMu.Lock()
	c.retryWaiters[evt.Info.ID] = wait
	c.retryMu.Unlock()
	defer func() {
		c.retryMu.Lock()
		delete(c.retryWaiters, evt.Info.ID)
		c.retryMu.Unlock()
	}()

	if err := c.client.SendMediaRetryReceipt(ctx, &evt.Info, img.GetMediaKey()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.retryTimeout)
	defer cancel()

	var retry *events.MediaRetry
	select {
	case retry = <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	notif, err := whatsmeow.DecryptMediaRetryNotification(retry, img.GetMediaKey())
	if err != nil {
		return nil, err
	}
	if notif.GetResult() != waMmsRetry.MediaRetryNotification_SUCCESS {
		return nil, fmt.Errorf("reupload refused: %s", notif.GetResult().String())
	}
	refreshed := proto.Clone(img).(*waE2E.ImageMessage)
	refreshed.DirectPath = proto.String(notif.GetDirectPath())
	return refreshed, nil
}

// deliverMediaRetry hands a retry notification to the waiting download.
// It reports whether anyone was waiting.
func (c *waConn) deliverMediaRetry(evt *events.MediaRetry) bool {
	c.retryMu.Lock()
	wait, ok := c.retryWaiters[evt.MessageID]
	c.retryMu.Unlock()
	if !ok {
		return false
	}
	select {
	case wait <- evt:
	default:
	}
	return true
}
