package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/laptopdesk/backplane/core/protocol/topics"
	"gopkg.in/yaml.v3"
)

// TopicsConfig maps service name -> logical key -> physical topic.
type TopicsConfig struct {
	Services map[string]map[string]string `yaml:"services"`
}

// LoadTopics loads a YAML topic table; returns defaults if missing.
func LoadTopics(path string) (*TopicsConfig, error) {
	if path == "" {
		return defaultTopics(), nil
	}
	// #nosec G304 -- topics config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultTopics(), fmt.Errorf("read topics config: %w", err)
	}
	return ParseTopics(data)
}

// ParseTopics parses a topic table from YAML/JSON bytes. Services or keys not
// present in the document keep their built-in names.
func ParseTopics(data []byte) (*TopicsConfig, error) {
	if len(data) == 0 {
		return defaultTopics(), nil
	}
	if err := validateConfigSchema("topics", topicsSchemaFile, data); err != nil {
		return defaultTopics(), err
	}
	var cfg TopicsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultTopics(), fmt.Errorf("parse topics config: %w", err)
	}
	merged := defaultTopics()
	explicitWorker := map[string]string{}
	for service, table := range cfg.Services {
		service = strings.TrimSpace(service)
		if service == "" {
			continue
		}
		dst := merged.Services[service]
		if dst == nil {
			dst = map[string]string{}
			merged.Services[service] = dst
		}
		for key, name := range table {
			key = strings.TrimSpace(key)
			name = strings.TrimSpace(name)
			if key == "" || name == "" {
				return defaultTopics(), fmt.Errorf("parse topics config: empty key or topic in service %s", service)
			}
			dst[key] = name
			if service == topics.ServiceWorker {
				explicitWorker[key] = name
			}
		}
	}
	if err := merged.reconcile(explicitWorker); err != nil {
		return defaultTopics(), err
	}
	return merged, nil
}

// reconcile derives the worker table from the producer tables so a rename in
// any producer moves the consumer with it. Producers that share a key must
// agree on its topic, and an explicit worker entry must match its producer.
func (c *TopicsConfig) reconcile(explicitWorker map[string]string) error {
	published := map[string]string{}
	owner := map[string]string{}
	for _, svc := range topics.Producers() {
		for key, name := range c.Services[svc] {
			if prev, ok := published[key]; ok && prev != name {
				return fmt.Errorf("topics config: %s is %q in %s but %q in %s", key, name, svc, prev, owner[key])
			}
			published[key] = name
			owner[key] = svc
		}
	}
	worker := c.Services[topics.ServiceWorker]
	if worker == nil {
		worker = map[string]string{}
		c.Services[topics.ServiceWorker] = worker
	}
	for key, name := range published {
		if explicit, ok := explicitWorker[key]; ok && explicit != name {
			return fmt.Errorf("topics config: worker consumes %s on %q but %s publishes %q", key, explicit, owner[key], name)
		}
		worker[key] = name
	}
	return nil
}

// Producer returns the table the gateway publishes on.
func (c *TopicsConfig) Producer() map[string]string {
	return c.Merged(topics.Producers()...)
}

// Worker returns the table the worker subscribes to.
func (c *TopicsConfig) Worker() map[string]string {
	return c.For(topics.ServiceWorker)
}

// For returns the topic table for one service. The returned map is a copy.
func (c *TopicsConfig) For(service string) map[string]string {
	out := map[string]string{}
	if c == nil {
		return topics.Defaults(service)
	}
	for key, name := range c.Services[service] {
		out[key] = name
	}
	return out
}

// Merged returns the union of several service tables, later services winning.
func (c *TopicsConfig) Merged(services ...string) map[string]string {
	out := map[string]string{}
	for _, svc := range services {
		for key, name := range c.For(svc) {
			out[key] = name
		}
	}
	return out
}

func defaultTopics() *TopicsConfig {
	cfg := &TopicsConfig{Services: map[string]map[string]string{}}
	for _, svc := range topics.Services() {
		cfg.Services[svc] = topics.Defaults(svc)
	}
	return cfg
}
