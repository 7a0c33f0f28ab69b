package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUser_DecodesBackendRolField(t *testing.T) {
	var u User
	err := json.Unmarshal([]byte(`{"id":7,"name":"Alan","email":"agent@example.com","rol":{"name":"agent"}}`), &u)
	require.NoError(t, err)

	assert.Equal(t, UserID(7), u.ID)
	assert.Equal(t, RoleAgent, u.Role.Name)
}

func TestUser_AcceptsRoleAlias(t *testing.T) {
	var u User
	err := json.Unmarshal([]byte(`{"id":1,"name":"Ada","email":"admin@example.com","role":{"name":"admin"}}`), &u)
	require.NoError(t, err)

	assert.True(t, u.HasRole(RoleAdmin))
}

func TestUser_EncodesAsRol(t *testing.T) {
	data, err := json.Marshal(User{ID: 3, Name: "Cora", Email: "c@example.com", Role: RoleRef{Name: RoleCustomer}})
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":3,"name":"Cora","email":"c@example.com","rol":{"name":"customer"}}`, string(data))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleCustomer.Valid())
	assert.False(t, Role("root").Valid())
}

func TestChannelHelpers(t *testing.T) {
	assert.True(t, RequiresAuthorization("private-tickets.1"))
	assert.True(t, RequiresAuthorization("presence-agents"))
	assert.False(t, RequiresAuthorization("announcements"))
	assert.True(t, IsPresenceChannel("presence-agents"))

	g, err := DecodeChannelGrant(json.RawMessage(`{"auth":"key:sig","channel_data":"{\"user_id\":1}"}`))
	require.NoError(t, err)
	assert.Equal(t, "key:sig", g.Auth)
	assert.Equal(t, `{"user_id":1}`, g.ChannelData)
}
