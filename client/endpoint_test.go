package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURLMultinode(t *testing.T) {
	endpoints, backendURL, err := ParseURL("jdbc:ojp[ep1:1059,ep2:1059]_postgres://db/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"ep1:1059", "ep2:1059"}, endpoints)
	assert.Equal(t, "postgres://db/app", backendURL)
}

func TestParseURLSingleEndpoint(t *testing.T) {
	endpoints, backendURL, err := ParseURL("jdbc:ojp[localhost:1059]_mysql://db:3306/app?useSSL=false")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:1059"}, endpoints)
	assert.Equal(t, "mysql://db:3306/app?useSSL=false", backendURL)
}

func TestParseURLErrors(t *testing.T) {
	cases := []string{
		"jdbc:mysql://db/app",
		"jdbc:ojp[ep1:1059_mysql://db/app",
		"jdbc:ojp[]_mysql://db/app",
		"jdbc:ojp[ep1:1059]mysql://db/app",
		"jdbc:ojp[ep1:1059]_",
		"jdbc:ojp[noport]_mysql://db/app",
	}
	for _, url := range cases {
		_, _, err := ParseURL(url)
		assert.Errorf(t, err, "url %q should be rejected", url)
	}
}

func TestParseDSNLiftsClientParameters(t *testing.T) {
	cfg, err := ParseDSN("jdbc:ojp[a:1,b:1]_mysql://db:3306/app?user=app&password=pw&useSSL=false&ojpBroker=amqp://broker:5672/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, cfg.Endpoints)
	assert.Equal(t, "mysql://db:3306/app", cfg.BackendURL)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, "amqp://broker:5672/", cfg.BrokerURL)
	assert.NotEmpty(t, cfg.ClientID, "a client id is generated when absent")
	require.Len(t, cfg.Properties, 1)
	assert.Equal(t, "useSSL", cfg.Properties[0].Key)
}

func TestSessionTrackerCounts(t *testing.T) {
	tracker := NewSessionTracker()
	a := newEndpoint("a:1")
	b := newEndpoint("b:1")

	tracker.Bind("s1", a)
	tracker.Bind("s2", a)
	tracker.Bind("s3", b)
	assert.Equal(t, 2, tracker.Count(a))
	assert.Equal(t, 1, tracker.Count(b))

	tracker.Unbind("s1")
	assert.Equal(t, 1, tracker.Count(a))

	dropped := tracker.DropEndpoint(a)
	assert.Equal(t, []string{"s2"}, dropped)
	assert.Equal(t, 0, tracker.Count(a))

	_, ok := tracker.EndpointFor("s2")
	assert.False(t, ok)
}
