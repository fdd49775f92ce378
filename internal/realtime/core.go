package realtime

import (
	"context"
	"fmt"
	"net/http"

	"matcha/internal/api"
	"matcha/internal/call"
	"matcha/internal/channel"
	"matcha/internal/config"
	"matcha/internal/identity"
	"matcha/internal/notifications"
)

// Core wires the realtime subsystem for one authenticated user: the
// REST collaborator client, the per-purpose channel managers and the
// media provider used for calls. UI layers hold one Core per login.
type Core struct {
	cfg   *config.Config
	user  identity.User
	api   *api.Client
	media call.MediaProvider

	chatManager   *channel.Manager
	signalManager *channel.Manager
}

// NewCore validates the credential and builds the collaborator clients.
func NewCore(cfg *config.Config, media call.MediaProvider) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	user, err := identity.FromToken(cfg.Auth.AccessToken)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:   cfg,
		user:  user,
		api:   api.NewClient(cfg.Server.BaseURL, cfg.Auth.AccessToken, cfg.Server.RequestTimeout),
		media: media,
	}
	c.chatManager = channel.NewManager("chat", c.dialFunc("/chat/ws/%s"))
	c.signalManager = channel.NewManager("call-signaling", c.dialFunc("/chat/ws/video/%s"))

	return c, nil
}

// User returns the local identity.
func (c *Core) User() identity.User {
	return c.user
}

// API returns the REST collaborator client.
func (c *Core) API() *api.Client {
	return c.api
}

// Conversations fetches the conversation list.
func (c *Core) Conversations(ctx context.Context) ([]api.Conversation, error) {
	return c.api.Conversations(ctx)
}

// NotificationStream builds the process-wide unread feed client.
func (c *Core) NotificationStream(onUnread func(count int), onNotification func(n api.Notification)) *notifications.StreamClient {
	return notifications.NewStreamClient(notifications.Config{
		Dial:           c.dialFixed("/ws/notifications"),
		Feed:           c.api,
		OnUnread:       onUnread,
		OnNotification: onNotification,
	})
}

// Shutdown closes every channel the core holds open.
func (c *Core) Shutdown() {
	c.chatManager.Close()
	c.signalManager.Close()
}

// dialFunc builds a DialFunc substituting the channel key into the
// backend's WebSocket path pattern.
func (c *Core) dialFunc(pathPattern string) channel.DialFunc {
	return func(ctx context.Context, key string, cb channel.Callbacks) (*channel.Connection, error) {
		url := c.cfg.Server.WSBaseURL + fmt.Sprintf(pathPattern, key)
		return channel.Dial(ctx, key, c.channelOptions(url), cb)
	}
}

// dialFixed builds a DialFunc for a channel with a fixed path.
func (c *Core) dialFixed(path string) channel.DialFunc {
	return func(ctx context.Context, key string, cb channel.Callbacks) (*channel.Connection, error) {
		return channel.Dial(ctx, key, c.channelOptions(c.cfg.Server.WSBaseURL+path), cb)
	}
}

func (c *Core) channelOptions(url string) channel.Options {
	header := http.Header{}
	if c.cfg.Auth.AccessToken != "" {
		header.Set("Cookie", "access_token="+c.cfg.Auth.AccessToken)
	}
	return channel.Options{
		URL:              url,
		Header:           header,
		HandshakeTimeout: c.cfg.Server.HandshakeTimeout,
		WriteWait:        c.cfg.Channel.WriteWait,
		PongWait:         c.cfg.Channel.PongWait,
		PingPeriod:       c.cfg.Channel.PingPeriod,
		MaxMessageSize:   c.cfg.Channel.MaxMessageSize,
		SendBufferSize:   c.cfg.Channel.SendBufferSize,
	}
}
