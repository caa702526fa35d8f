package descriptor

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, Size, unsafe.Sizeof(Descriptor{}))
}

func TestLookup(t *testing.T) {
	c, err := Lookup("gen1")
	require.NoError(t, err)
	assert.Equal(t, "gen1", c.Name())

	c, err = Lookup("gen2")
	require.NoError(t, err)
	assert.Equal(t, "gen2", c.Name())

	_, err = Lookup("gen9")
	assert.ErrorIs(t, err, ErrUnknownGeneration)
	assert.ErrorContains(t, err, "gen1")
	assert.Equal(t, []string{"gen1", "gen2"}, Generations())
}

func TestCodec_ConfigureComplete(t *testing.T) {
	for _, c := range []Codec{Gen1, Gen2} {
		t.Run(c.Name(), func(t *testing.T) {
			var d Descriptor
			c.Configure(&d, 0x1_2345_6780, 1514, FlagChain|FlagInterrupt)

			assert.False(t, c.Done(&d))
			assert.EqualValues(t, 0x1_2345_6780, c.Address(&d))
			ctl := c.Control(&d)
			assert.Equal(t, 1514, ctl.Length)
			assert.Equal(t, FlagChain|FlagInterrupt, ctl.Flags)

			c.Complete(&d, 60, ErrorCRC, AttrStart|AttrEnd)
			st := c.DecodeStatus(&d)
			assert.True(t, st.Done)
			assert.True(t, c.Done(&d))
			assert.Equal(t, 60, st.Length)
			assert.Equal(t, ErrorCRC, st.Errors)
			assert.Equal(t, AttrStart|AttrEnd, st.Attrs)

			// Reconfiguring clears the previous completion.
			c.Configure(&d, 0x1000, 64, 0)
			assert.False(t, c.Done(&d))
			assert.Equal(t, Flags(0), c.Control(&d).Flags)
		})
	}
}

func TestCodec_Remain(t *testing.T) {
	tests := []struct {
		name   string
		remain int
		want   int
	}{
		{name: "zero", remain: 0, want: 0},
		{name: "within range", remain: 7, want: 7},
		{name: "max", remain: MaxRemain, want: MaxRemain},
		{name: "capped", remain: 300, want: MaxRemain},
		{name: "negative", remain: -3, want: 0},
	}
	for _, c := range []Codec{Gen1, Gen2} {
		for _, tt := range tests {
			t.Run(c.Name()+"/"+tt.name, func(t *testing.T) {
				var d Descriptor
				c.SetRemain(&d, tt.remain)
				assert.Equal(t, tt.want, c.Control(&d).Remain)

				// Configure, SetChain and Clear must all keep the hint.
				c.Configure(&d, 0xdead0000, c.MaxLength(), FlagPurge|FlagPriority)
				assert.Equal(t, tt.want, c.Control(&d).Remain)
				assert.Equal(t, c.MaxLength(), c.Control(&d).Length)
				c.SetChain(&d, true)
				assert.Equal(t, tt.want, c.Control(&d).Remain)
				c.Clear(&d)
				assert.Equal(t, tt.want, c.Control(&d).Remain)
			})
		}
	}
}

func TestCodec_Clear(t *testing.T) {
	for _, c := range []Codec{Gen1, Gen2} {
		t.Run(c.Name(), func(t *testing.T) {
			var d Descriptor
			c.Configure(&d, 0x4000, 128, FlagChain|FlagInterrupt)
			c.Complete(&d, 128, 0, AttrEnd)
			c.Clear(&d)

			assert.Zero(t, c.Address(&d))
			assert.False(t, c.Done(&d))
			ctl := c.Control(&d)
			assert.Zero(t, ctl.Length)
			assert.Equal(t, FlagChain, ctl.Flags)

			c.SetChain(&d, false)
			assert.Equal(t, Flags(0), c.Control(&d).Flags)
		})
	}
}

func TestCodec_ConfigureReload(t *testing.T) {
	for _, c := range []Codec{Gen1, Gen2} {
		t.Run(c.Name(), func(t *testing.T) {
			var d Descriptor
			c.SetRemain(&d, 4)
			c.ConfigureReload(&d, 0x7f00_0000_1000)
			assert.EqualValues(t, 0x7f00_0000_1000, c.Address(&d))
			ctl := c.Control(&d)
			assert.NotZero(t, ctl.Flags&FlagReload)
			assert.NotZero(t, ctl.Flags&FlagChain)
			assert.Zero(t, ctl.Remain)
		})
	}
}

func TestCodec_Layout(t *testing.T) {
	// Bit positions differ between generations, the decoded view does not.
	var d1, d2 Descriptor
	Gen1.Configure(&d1, 0x10, 100, FlagInterrupt)
	Gen2.Configure(&d2, 0x10, 100, FlagInterrupt)
	assert.EqualValues(t, 100|1<<17, d1.control)
	assert.EqualValues(t, 100|1<<30, d2.control)
	assert.Equal(t, Gen1.Control(&d1), Gen2.Control(&d2))

	Gen1.Complete(&d1, 100, ErrorOverrun, AttrVirtual)
	Gen2.Complete(&d2, 100, ErrorOverrun, AttrVirtual)
	assert.EqualValues(t, 1<<31|100|uint32(ErrorOverrun)<<16|uint32(AttrVirtual)<<24, d1.status)
	assert.EqualValues(t, 1|100<<16|uint32(ErrorOverrun)<<1|uint32(AttrVirtual)<<5, d2.status)
	assert.Equal(t, Gen1.DecodeStatus(&d1), Gen2.DecodeStatus(&d2))

	assert.Equal(t, 65535, Gen1.MaxLength())
	assert.Equal(t, 16383, Gen2.MaxLength())
}
