package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

func baseDetails() *protocol.ConnectionDetails {
	return &protocol.ConnectionDetails{
		URL:      "jdbc:mysql://db:3306/app",
		User:     "app",
		Password: "hunter2",
		Properties: []protocol.Property{
			{Key: "useSSL", Value: "false"},
			{Key: "charset", Value: "utf8"},
		},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(baseDetails())
	b := Fingerprint(baseDetails())
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprintPropertyOrderIrrelevant(t *testing.T) {
	swapped := baseDetails()
	swapped.Properties[0], swapped.Properties[1] = swapped.Properties[1], swapped.Properties[0]
	assert.Equal(t, Fingerprint(baseDetails()), Fingerprint(swapped))
}

func TestFingerprintDistinguishesTuples(t *testing.T) {
	seen := map[string]string{}
	variants := map[string]*protocol.ConnectionDetails{
		"base": baseDetails(),
	}

	url := baseDetails()
	url.URL = "jdbc:mysql://db:3306/other"
	variants["url"] = url

	user := baseDetails()
	user.User = "admin"
	variants["user"] = user

	password := baseDetails()
	password.Password = "different"
	variants["password"] = password

	xaFlag := baseDetails()
	xaFlag.IsXA = true
	variants["xa"] = xaFlag

	prop := baseDetails()
	prop.Properties = append(prop.Properties, protocol.Property{Key: "tz", Value: "UTC"})
	variants["prop"] = prop

	for name, details := range variants {
		fp := Fingerprint(details)
		for other, existing := range seen {
			assert.NotEqualf(t, existing, fp, "%s and %s collided", name, other)
		}
		seen[name] = fp
	}
}

func TestFingerprintNeverContainsPassword(t *testing.T) {
	details := baseDetails()
	details.Password = "deadbeef"
	assert.NotContains(t, Fingerprint(details), "deadbeef")
}
