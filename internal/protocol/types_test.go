package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerIdentity_PackUnpack(t *testing.T) {
	id := ServerIdentity{Type: TypeWorld, Group: 3, ID: 9, Index: 200}
	packed := id.Pack()

	assert.Equal(t, uint32(0xC8090306), packed)
	assert.Equal(t, id, UnpackIdentity(packed))
}

func TestServerType_Valid(t *testing.T) {
	assert.False(t, TypeUnknown.Valid())
	assert.False(t, ServerType(7).Valid())
	for ty := TypeDatabase; ty <= TypeWorld; ty++ {
		assert.True(t, ty.Valid(), ty.String())

		parsed, err := ParseServerType(ty.String())
		require.NoError(t, err)
		assert.Equal(t, ty, parsed)
	}

	_, err := ParseServerType("gateway")
	assert.Error(t, err)
}

func TestServerAddress_Parse(t *testing.T) {
	a, err := ParseServerAddress("10.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, ServerAddress{Host: "10.0.0.1", Port: 7000}, a)
	assert.Equal(t, "10.0.0.1:7000", a.String())

	_, err = ParseServerAddress("10.0.0.1")
	assert.Error(t, err)
	_, err = ParseServerAddress("10.0.0.1:port")
	assert.Error(t, err)
}

func TestRegistrationInfo_WireLayout(t *testing.T) {
	ri := RegistrationInfo{
		Identity:      ServerIdentity{Type: TypeLogin, Group: 1, ID: 2},
		Name:          "L1",
		Address:       ServerAddress{Host: "10.0.0.1", Port: 7000},
		WantResources: 2,
	}
	raw := ri.Marshal()
	require.Len(t, raw, RegistrationInfoSize)

	assert.Equal(t, []byte{byte(TypeLogin), 1, 2, 0}, raw[:4])
	assert.Equal(t, []byte("L1\x00"), raw[4:7])
	assert.Equal(t, []byte("10.0.0.1\x00"), raw[36:45])
	assert.Equal(t, []byte{0x58, 0x1B, 0, 0}, raw[52:56], "port 7000")
	assert.Equal(t, []byte{2, 0, 0, 0}, raw[56:60])

	back, err := UnmarshalRegistrationInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, ri, back)

	_, err = UnmarshalRegistrationInfo(raw[:RegistrationInfoSize-1])
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestRegistrationResult_ZeroesUnusedSlots(t *testing.T) {
	rr := RegistrationResult{
		Identity:  ServerIdentity{Type: TypeWorld, Index: 3},
		Resources: ResourceBlock{Addresses: []ServerAddress{{Host: "db1", Port: 6000}}},
	}
	raw := rr.Marshal()
	require.Len(t, raw, RegistrationResultSize)
	assert.Equal(t, make([]byte, AddressSize), raw[len(raw)-AddressSize:])

	back, err := UnmarshalRegistrationResult(raw)
	require.NoError(t, err)
	assert.Equal(t, rr, back)
}

func TestResourceBlock_CapsAtTwo(t *testing.T) {
	rb := ResourceBlock{Addresses: []ServerAddress{{"a", 1}, {"b", 2}, {"c", 3}}}
	back, err := UnmarshalResourceBlock(rb.Marshal())
	require.NoError(t, err)
	assert.Equal(t, []ServerAddress{{"a", 1}, {"b", 2}}, back.Addresses)
}

func TestFindResult_RoundTrip(t *testing.T) {
	fr := FindResult{
		Identity: ServerIdentity{Type: TypeCharSelect, Group: 1, Index: 4},
		Address:  ServerAddress{Host: "192.168.1.20", Port: 7100},
		Name:     "select-1",
	}
	back, err := UnmarshalFindResult(fr.Marshal())
	require.NoError(t, err)
	assert.Equal(t, fr, back)
}

func TestName_EncodeDecode(t *testing.T) {
	assert.Equal(t, "L1", DecodeName(EncodeName("L1")))
	assert.Equal(t, "short", DecodeName([]byte("short")))
}
