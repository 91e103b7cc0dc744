package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/autopaho/queue"
	"github.com/eclipse/paho.golang/autopaho/queue/file"
	"github.com/eclipse/paho.golang/autopaho/queue/memory"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/keypresence/internal/config"
)

// requestRateWindow is the window over which RequestRateLimit applies.
const requestRateWindow = time.Minute

// Subscription refusals the broker may lift later (quota, transient
// implementation errors) are retried on this schedule.
const (
	subscribeRetryInitial = time.Second
	subscribeRetryMax     = 30 * time.Second
)

// Bus is the keypad's connection to the cloud message bus. It
// subscribes to the request topic, hands each request to a
// [RequestHandler], and publishes responses at QoS 1 through an
// outbound queue so they survive connection loss.
type Bus struct {
	cfg        config.BusConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger
	handler    RequestHandler
	policy     ErrorPolicy
	limiter    *messageRateLimiter

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	runCtx context.Context
	cancel context.CancelFunc

	// wg tracks the limiter and subscribe goroutines so a failed Start
	// or a Stop returns only after they have exited.
	wg sync.WaitGroup

	subscribed chan struct{}
	subOnce    sync.Once
	fatal      chan error
	fatalOnce  sync.Once
}

// New creates a Bus but does not connect. Set the request handler,
// then call [Bus.Start] to connect and activate the subscription.
func New(cfg config.BusConfig, instanceID, displayName string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, displayName),
		logger:     logger,
		policy:     DefaultErrorPolicy,
		limiter:    newMessageRateLimiter(int64(cfg.RequestRateLimit), requestRateWindow, logger),
		subscribed: make(chan struct{}),
		fatal:      make(chan error, 1),
	}
}

// SetRequestHandler sets the function called for each request. Call
// before Start.
func (b *Bus) SetRequestHandler(h RequestHandler) {
	b.handler = h
}

// SetErrorPolicy replaces [DefaultErrorPolicy]. Call before Start.
func (b *Bus) SetErrorPolicy(p ErrorPolicy) {
	b.policy = p
}

// Start connects to the broker and blocks until the request
// subscription is acknowledged. It returns an error wrapping
// [ErrStartupTimeout] if that takes longer than the configured
// startup timeout, or the fatal stream error if the broker refuses us
// outright. On any error the connection manager is shut down before
// Start returns. After Start returns nil, the connection is maintained
// in the background until ctx is cancelled or [Bus.Stop] is called.
func (b *Bus) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	tlsCfg, err := b.tlsConfig(brokerURL)
	if err != nil {
		return err
	}

	q, err := b.outboundQueue()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		TlsCfg:                        tlsCfg,
		KeepAlive:                     uint16(b.cfg.KeepAliveSec),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         3600,
		ConnectUsername:               b.cfg.Username,
		ConnectPassword:               []byte(b.cfg.Password),
		Queue:                         q,
		WillMessage: &paho.WillMessage{
			Topic:   b.cfg.AvailabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connack *paho.Connack) {
			b.logger.Info("mqtt connected to broker",
				"broker", b.cfg.Broker,
				"session_present", connack.SessionPresent,
			)
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.onConnectionUp(runCtx, cm)
			}()
		},
		OnConnectError: func(err error) {
			b.handleStreamError(&StreamError{Op: "connect", Err: err})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.onPublishReceived,
			},
			OnClientError: func(err error) {
				b.handleStreamError(&StreamError{Op: "client", Err: err})
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.handleStreamError(&StreamError{
					Op:         "disconnect",
					ReasonCode: d.ReasonCode,
					Err:        fmt.Errorf("server sent disconnect"),
				})
			},
		},
	}

	b.mu.Lock()
	b.runCtx = runCtx
	b.mu.Unlock()

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.limiter.start(runCtx)
	}()

	if err := b.awaitSubscription(ctx); err != nil {
		b.shutdown(context.Background())
		return err
	}
	b.logger.Info("mqtt request subscription active",
		"topic", b.cfg.RequestTopic,
		"response_topic", b.cfg.ResponseTopic,
	)
	return nil
}

func (b *Bus) awaitSubscription(ctx context.Context) error {
	timeout := b.cfg.StartupTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.subscribed:
		return nil
	case err := <-b.fatal:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: subscription to %q not acknowledged within %s",
			ErrStartupTimeout, b.cfg.RequestTopic, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown cancels the run context and waits, bounded by ctx, for the
// connection manager and the bus goroutines to exit. Callbacks stop
// with the connection manager, so nothing logs or calls the handler
// after shutdown returns.
func (b *Bus) shutdown(ctx context.Context) {
	b.mu.Lock()
	cm, cancel := b.cm, b.cancel
	b.cm, b.cancel = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cm != nil {
		select {
		case <-cm.Done():
		case <-ctx.Done():
			return
		}
	}
	b.wg.Wait()
}

// Fatal delivers at most one error: the stream error that the error
// policy decided should close the bus. The caller should shut down
// and exit non-zero.
func (b *Bus) Fatal() <-chan error {
	return b.fatal
}

// Publish queues payload for delivery to topic at QoS 1. The queue
// holds the message across disconnects and autopaho delivers it once
// the connection is back, so a nil return means accepted, not
// delivered.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	cm := b.connection()
	if cm == nil {
		return ErrNotConnected
	}
	err := cm.PublishViaQueue(ctx, &autopaho.QueuePublish{
		Publish: &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
		},
	})
	if err != nil {
		return fmt.Errorf("mqtt queue publish to %s: %w", topic, err)
	}
	return nil
}

// Stop publishes the offline availability marker, disconnects and
// waits for the bus goroutines to exit. The provided context bounds
// all three steps.
func (b *Bus) Stop(ctx context.Context) error {
	cm := b.connection()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	err := cm.Disconnect(ctx)
	b.shutdown(ctx)
	return err
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (b *Bus) AwaitConnection(ctx context.Context) error {
	cm := b.connection()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

func (b *Bus) connection() *autopaho.ConnectionManager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cm
}

// onConnectionUp runs on every (re-)connect: subscribe to the request
// topic, then announce availability and discovery.
func (b *Bus) onConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !b.subscribe(ctx, cm) {
		return
	}

	b.subOnce.Do(func() { close(b.subscribed) })
	b.logger.Debug("mqtt subscribed", "topic", b.cfg.RequestTopic)

	b.publishAvailability(ctx, cm, "online")
	if b.cfg.DiscoveryPrefix != "" {
		b.publishDiscovery(ctx, cm)
	}
}

// subscribe subscribes to the request topic. A refusal the error
// policy keeps open is retried with backoff until it succeeds, the
// connection drops, or ctx ends. It reports whether the subscription
// is active.
func (b *Bus) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) bool {
	for attempt := 0; ; attempt++ {
		suback, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: b.cfg.RequestTopic, QoS: 1},
			},
		})
		if err != nil {
			// A dropped connection ends this attempt; the next
			// OnConnectionUp subscribes again.
			if ctx.Err() == nil {
				b.handleStreamError(&StreamError{Op: "subscribe", Err: err})
			}
			return false
		}

		code, refused := refusal(suback.Reasons)
		if !refused {
			return true
		}
		closed := b.handleStreamError(&StreamError{
			Op:         "subscribe",
			ReasonCode: code,
			Err:        fmt.Errorf("subscription to %q refused", b.cfg.RequestTopic),
		})
		if closed {
			return false
		}

		delay := subscribeRetryDelay(attempt)
		b.logger.Warn("mqtt subscription refused, retrying",
			"topic", b.cfg.RequestTopic,
			"reason", fmt.Sprintf("0x%02x", code),
			"attempt", attempt+1,
			"next_delay", delay.String(),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// refusal returns the first failure reason code in a Suback.
func refusal(reasons []byte) (byte, bool) {
	for _, code := range reasons {
		if code >= reasonFailureBoundary {
			return code, true
		}
	}
	return 0, false
}

// subscribeRetryDelay doubles from subscribeRetryInitial up to
// subscribeRetryMax.
func subscribeRetryDelay(attempt int) time.Duration {
	d := subscribeRetryInitial
	for range attempt {
		d *= 2
		if d >= subscribeRetryMax {
			return subscribeRetryMax
		}
	}
	return d
}

// onPublishReceived routes inbound messages. Messages outside the
// request topic are acknowledged and ignored.
func (b *Bus) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	topic := pr.Packet.Topic
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("mqtt request handler panicked", "topic", topic, "panic", fmt.Sprint(p))
		}
	}()

	ctx := b.runContext()
	b.logger.Log(ctx, config.LevelTrace, "mqtt message received",
		"topic", topic, "payload_size", len(pr.Packet.Payload))

	if !topicMatches(b.cfg.RequestTopic, topic) {
		b.logger.Debug("mqtt message on unexpected topic ignored", "topic", topic)
		return false, nil
	}
	if !b.limiter.allow() {
		return true, nil
	}
	if b.handler != nil {
		b.handler(ctx, topic, pr.Packet.Payload)
	}
	return true, nil
}

// context returns the run context, or Background before Start.
func (b *Bus) runContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx == nil {
		return context.Background()
	}
	return b.runCtx
}

// handleStreamError applies the error policy and reports whether it
// closed the stream. Errors the policy keeps open are logged; the
// first one it closes on is sent to Fatal.
func (b *Bus) handleStreamError(err *StreamError) bool {
	if !b.policy(err) {
		b.logger.Warn("mqtt stream error, keeping subscription open", "op", err.Op, "error", err)
		return false
	}

	b.logger.Error("mqtt stream error is unrecoverable, closing", "op", err.Op, "error", err)
	b.fatalOnce.Do(func() {
		b.fatal <- fmt.Errorf("%w: %w", ErrUnrecoverable, err)
	})
	return true
}

func (b *Bus) outboundQueue() (queue.Queue, error) {
	if b.cfg.QueueDir == "" {
		return memory.New(), nil
	}
	if err := os.MkdirAll(b.cfg.QueueDir, 0o755); err != nil {
		return nil, fmt.Errorf("create mqtt queue dir: %w", err)
	}
	q, err := file.New(b.cfg.QueueDir, "status", ".msg")
	if err != nil {
		return nil, fmt.Errorf("open mqtt queue %s: %w", b.cfg.QueueDir, err)
	}
	return q, nil
}

// tlsConfig returns nil for plain-text brokers. A client certificate
// pair enables mutual TLS; a CA file replaces the system roots.
func (b *Bus) tlsConfig(u *url.URL) (*tls.Config, error) {
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "wss":
	default:
		if !b.cfg.MutualTLS() {
			return nil, nil
		}
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if b.cfg.CAFile != "" {
		pem, err := os.ReadFile(b.cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", b.cfg.CAFile)
		}
		cfg.RootCAs = pool
	}

	if b.cfg.MutualTLS() {
		cert, err := tls.LoadX509KeyPair(b.cfg.CertFile, b.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load mqtt client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (b *Bus) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.AvailabilityTopic,
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", state, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", state)
	}
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (b *Bus) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + b.instanceID + "/" + entity + "/config"
}

func (b *Bus) sensorDefinitions() []sensorDef {
	return []sensorDef{
		{
			entitySuffix: "presence",
			config: SensorConfig{
				Name:              "Presence",
				ObjectID:          "presence",
				HasEntityName:     true,
				UniqueID:          b.instanceID + "_presence",
				StateTopic:        b.cfg.ResponseTopic,
				AvailabilityTopic: b.cfg.AvailabilityTopic,
				Device:            b.device,
				Icon:              "mdi:account-clock",
				ValueTemplate:     "{{ value_json.state }}",
				DeviceClass:       "enum",
				Options:           []string{"available", "busy", "tentative"},
			},
		},
	}
}

func (b *Bus) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range b.sensorDefinitions() {
		topic := b.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			b.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			b.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}
