package dispatcher

import (
	"encoding/json"
	"time"

	"chatgate/logger"
	"chatgate/model"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// Producer feeds every committed message into the archival/analytics topic.
// Keyed by conversation id so the hash partitioner keeps one conversation on
// one partition, preserving sequence order for downstream consumers.
type Producer struct {
	ap    sarama.AsyncProducer
	topic string
}

func buildConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	ap, err := sarama.NewAsyncProducer(brokers, buildConfig())
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	p := &Producer{ap: ap, topic: topic}
	go func() {
		for perr := range ap.Errors() {
			logger.Errorf("[dispatcher] kafka produce failed topic=%s err=%v", perr.Msg.Topic, perr.Err)
		}
	}()
	return p, nil
}

// Enqueue hands a committed message to the pipeline. Best-effort from the
// gateway's point of view; the relational store already holds the record.
func (p *Producer) Enqueue(msg *model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	p.ap.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(msg.ConversationID),
		Value: sarama.ByteEncoder(b),
	}
	return nil
}

func (p *Producer) Close() error {
	return p.ap.Close()
}
