package dispatch

import (
	"github.com/Shopify/sarama"
)

// IProducer pushes raw event payloads onto the dispatch topic.
type IProducer interface {
	Push(messages [][]byte) error
}

// IConsumer receives dispatch events.
type IConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
}

type producer struct {
	topic string
	conn  sarama.SyncProducer
}

// NewProducer connects a synchronous producer for the dispatch topic.
func NewProducer(host string, topic string) (IProducer, error) {
	saramaConf := sarama.NewConfig()
	saramaConf.Producer.Return.Successes = true
	saramaConf.Producer.Return.Errors = true
	saramaConf.Producer.RequiredAcks = sarama.WaitForAll

	client, err := sarama.NewClient([]string{host}, saramaConf)
	if err != nil {
		return nil, err
	}
	conn, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, err
	}
	return &producer{conn: conn, topic: topic}, nil
}

func (p *producer) Push(messages [][]byte) error {
	return p.conn.SendMessages(toKafkaMessages(messages, p.topic))
}

func toKafkaMessages(messages [][]byte, topic string) []*sarama.ProducerMessage {
	var res []*sarama.ProducerMessage
	for _, message := range messages {
		res = append(res, &sarama.ProducerMessage{
			Topic: topic,
			Value: sarama.ByteEncoder(message),
		})
	}
	return res
}

// NewConsumer connects a partition consumer for the dispatch topic.
func NewConsumer(host string, topic string) (IConsumer, error) {
	conf := sarama.NewConfig()
	conf.Consumer.Return.Errors = true
	conn, err := sarama.NewConsumer([]string{host}, conf)
	if err != nil {
		return nil, err
	}
	partitionConn, err := conn.ConsumePartition(topic, 0, sarama.OffsetOldest)
	if err != nil {
		return nil, err
	}
	return partitionConn, nil
}
