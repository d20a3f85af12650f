package config

import "os"

// BrokerConfig points the durable call feed at RabbitMQ. An empty URL
// disables both the publisher and the consumer.
type BrokerConfig struct {
	URL          string
	Exchange     string
	ConsumeQueue string
	CallLogPath  string
}

// LoadBrokerConfig accepts RABBITMQ_URL or the AMQP_URL alias.
func LoadBrokerConfig() BrokerConfig {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		url = os.Getenv("AMQP_URL")
	}
	return BrokerConfig{
		URL:          url,
		Exchange:     envStr("AMQP_EXCHANGE", "queue.events"),
		ConsumeQueue: envStr("AMQP_CALL_LOG_QUEUE", "queue.calls.log"),
		CallLogPath:  envStr("CALL_LOG_PATH", "logs/calls.log"),
	}
}

// TelemetryConfig configures OTLP trace export. Without an endpoint the
// tracer provider still records spans but exports nothing.
type TelemetryConfig struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

func LoadTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		ServiceName: envStr("OTEL_SERVICE_NAME", "queue-dispatch"),
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}
}
