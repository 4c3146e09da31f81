package addrspace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetContains(t *testing.T) {
	tests := []struct {
		name     string
		cidr     string
		ip       string
		contains bool
		wantErr  error
	}{
		{name: "usable host", cidr: "10.0.0.0/29", ip: "10.0.0.2", contains: true},
		{name: "network address", cidr: "10.0.0.0/29", ip: "10.0.0.0", contains: false},
		{name: "broadcast address", cidr: "10.0.0.0/29", ip: "10.0.0.7", contains: false},
		{name: "outside subnet", cidr: "10.0.0.0/29", ip: "10.0.0.8", contains: false},
		{name: "slash 31 network side", cidr: "10.0.0.0/31", ip: "10.0.0.0", contains: true},
		{name: "slash 32 exact", cidr: "10.0.0.5/32", ip: "10.0.0.5", contains: true},
		{name: "malformed ip", cidr: "10.0.0.0/29", ip: "not-an-ip", wantErr: ErrInvalidAddress},
		{name: "malformed cidr", cidr: "10.0.0.0/99", ip: "10.0.0.2", wantErr: ErrInvalidAddress},
		{name: "ipv6 address", cidr: "10.0.0.0/29", ip: "2001:db8::1", wantErr: ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubnetContains(tt.cidr, tt.ip)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.contains, got)
		})
	}
}

func TestUsableRange(t *testing.T) {
	first, last, err := UsableRange("10.0.0.0/29")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first.String())
	assert.Equal(t, "10.0.0.6", last.String())

	first, last, err = UsableRange("192.168.1.0/24")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", first.String())
	assert.Equal(t, "192.168.1.254", last.String())

	// /31 point-to-point: both addresses usable
	first, last, err = UsableRange("10.0.0.0/31")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0", first.String())
	assert.Equal(t, "10.0.0.1", last.String())
}

func TestHostCount(t *testing.T) {
	n, err := HostCount("10.0.0.0/29")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = HostCount("10.0.0.4/30")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRangesOverlap(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		overlap bool
	}{
		{name: "identical", a: "10.0.0.0/24", b: "10.0.0.0/24", overlap: true},
		{name: "contained", a: "10.0.0.0/24", b: "10.0.0.128/25", overlap: true},
		{name: "containing", a: "10.0.0.128/25", b: "10.0.0.0/24", overlap: true},
		{name: "adjacent", a: "10.0.0.0/25", b: "10.0.0.128/25", overlap: false},
		{name: "disjoint", a: "10.0.0.0/24", b: "10.0.1.0/24", overlap: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RangesOverlap(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.overlap, got)
		})
	}
}

func TestCheckNoOverlap(t *testing.T) {
	err := CheckNoOverlap("10.0.2.0/24", []string{"10.0.0.0/24", "10.0.1.0/24"})
	assert.NoError(t, err)

	err = CheckNoOverlap("10.0.1.128/25", []string{"10.0.0.0/24", "10.0.1.0/24"})
	assert.True(t, errors.Is(err, ErrOverlapConflict))
}

func TestNextIP(t *testing.T) {
	ip, err := ParseIPv4("10.0.0.255")
	require.NoError(t, err)
	assert.Equal(t, "10.0.1.0", NextIP(ip).String())
}
