package provisioning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ispbase/netcore/internal/models"
)

func TestRender(t *testing.T) {
	content := json.RawMessage(`{"steps":[
		{"path":"/ppp/secret/add","args":{"name":"{{customer}}","remote-address":"{{ip}}","comment":"{{device_name}}"}},
		{"path":"/queue/simple/add","args":{"name":"q-{{customer}}","max-limit":"10M/10M"}}
	]}`)

	commands, snapshot, err := Render(content, map[string]string{
		"customer":    "cust-7",
		"ip":          "10.0.0.7",
		"device_name": "edge1",
	})
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, "/ppp/secret/add", commands[0].Path)
	assert.Equal(t, "cust-7", commands[0].Args["name"])
	assert.Equal(t, "10.0.0.7", commands[0].Args["remote-address"])
	assert.Equal(t, "q-cust-7", commands[1].Args["name"])
	assert.Equal(t, "10M/10M", commands[1].Args["max-limit"])

	// Snapshot holds the rendered form, not the placeholders
	var rendered TemplateContent
	require.NoError(t, json.Unmarshal(snapshot, &rendered))
	assert.Equal(t, "cust-7", rendered.Steps[0].Args["name"])
}

func TestRenderUnresolved(t *testing.T) {
	content := json.RawMessage(`{"steps":[{"path":"/ppp/secret/add","args":{"name":"{{missing}}"}}]}`)
	_, _, err := Render(content, map[string]string{})
	assert.ErrorIs(t, err, ErrUnresolvedVar)
}

func TestRenderEmptyTemplate(t *testing.T) {
	_, _, err := Render(json.RawMessage(`{"steps":[]}`), nil)
	assert.ErrorIs(t, err, ErrEmptyTemplate)
}

func TestDeviceVars(t *testing.T) {
	device := &models.Device{Name: "edge1", ShortName: "e1", IPAddress: "1.2.3.4", Kind: models.DeviceKindMikrotik, OverwriteComments: true}
	vars := DeviceVars(device, map[string]string{"device_name": "override", "extra": "x"})

	assert.Equal(t, "override", vars["device_name"])
	assert.Equal(t, "1.2.3.4", vars["device_ip"])
	assert.Equal(t, "true", vars["overwrite_comments"])
	assert.Equal(t, "x", vars["extra"])
}
