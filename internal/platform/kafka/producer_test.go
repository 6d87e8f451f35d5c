package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"anchorid/pkg/platform/audit"
)

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicCompliance, TopicFor(audit.CategoryCompliance))
	assert.Equal(t, TopicSecurity, TopicFor(audit.CategorySecurity))
	assert.Equal(t, TopicOperations, TopicFor(audit.CategoryOperations))
	assert.Equal(t, TopicOperations, TopicFor(""))
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(nil, nil)
	assert.ErrorContains(t, err, "no brokers")
}
