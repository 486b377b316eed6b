package jetstream

import (
	"errors"
	"strings"
	"time"

	"github.com/forgehq/agentrunner/internal/config"
	"github.com/forgehq/agentrunner/internal/logger"
	"github.com/forgehq/agentrunner/internal/queue"
	"github.com/nats-io/nats.go"
)

const consumerName = "agentrunner"

type JetStreamClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	subject    string
	stream     string
}

func NewJetStreamClient(cfg *config.NatsConfig) (queue.Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("agentrunner"),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.Subject},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, err
	}

	ackWait := cfg.ConsumerTTL
	if ackWait <= 0 {
		ackWait = 20 * time.Second
	}

	_, err = js.AddConsumer(cfg.StreamName, &nats.ConsumerConfig{
		Durable:    consumerName,
		AckPolicy:  nats.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: 5,
		BackOff: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
		},
		DeliverPolicy: nats.DeliverNewPolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "consumer name already in use") {
		return nil, err
	}

	return &JetStreamClient{
		connection: nc,
		context:    js,
		subject:    cfg.Subject,
		stream:     cfg.StreamName,
	}, nil
}

func (c *JetStreamClient) Publish(instanceID string) error {
	_, err := c.context.Publish(c.subject, []byte(instanceID))
	return err
}

func (c *JetStreamClient) Consume(handler queue.Handler) error {
	sub, err := c.context.PullSubscribe(c.subject, consumerName, nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return err
	}

	go func() {
		for {
			msgs, err := sub.Fetch(1, nats.MaxWait(30*time.Second))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) {
					continue
				}
				logger.Log.Warn().Err(err).Msg("jetstream: fetch failed, backing off")
				time.Sleep(time.Second)
				continue
			}

			for _, msg := range msgs {
				msg := msg
				go func() {
					instanceID := string(msg.Data)
					if err := handler(instanceID); err != nil {
						logger.Log.Warn().Err(err).Str("instance_id", instanceID).Msg("jetstream: handler failed")
						_ = msg.Nak()
						return
					}
					_ = msg.Ack()
				}()
			}
		}
	}()
	return nil
}

func (c *JetStreamClient) Shutdown() {
	_ = c.connection.Drain()
	c.connection.Close()
}
