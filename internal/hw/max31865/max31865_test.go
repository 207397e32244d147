package max31865

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
)

// chip emulates the register file of a MAX31865.
type chip struct {
	regs      [8]uint8
	rtd       uint16 // next conversion result, fault bit included
	biasOnAt1 bool   // bias state when the one-shot bit was written
	conv      int
	err       error
	// biasOffErr fails writes that clear the bias bit.
	biasOffErr error
}

func (c *chip) String() string      { return "fake-spi" }
func (c *chip) Duplex() conn.Duplex { return conn.Full }

func (c *chip) Tx(w, r []byte) error {
	if c.err != nil {
		return c.err
	}
	addr := w[0] & 0x7F
	if w[0]&0x80 != 0 {
		for i, v := range w[1:] {
			reg := int(addr) + i
			if reg == int(regConfig) && c.biasOffErr != nil && c.regs[reg]&configBias != 0 && v&configBias == 0 {
				return c.biasOffErr
			}
			if reg == int(regConfig) && v&config1Shot != 0 {
				c.conv++
				c.biasOnAt1 = v&configBias != 0
				c.regs[regRTDMSB] = uint8(c.rtd >> 8)
				c.regs[regRTDLSB] = uint8(c.rtd)
				v &^= config1Shot
			}
			if reg == int(regConfig) && v&configFaultStat != 0 {
				c.regs[regFaultStat] = 0
				v &^= configFaultStat
			}
			c.regs[reg] = v
		}
		return nil
	}
	for i := 1; i < len(r); i++ {
		r[i] = c.regs[int(addr)+i-1]
	}
	return nil
}

func newDev(t *testing.T, c *chip, o *Opts) (*Dev, *[]time.Duration) {
	t.Helper()
	d, err := New(c, o)
	require.NoError(t, err)
	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	return d, &slept
}

func TestNew_Initializes(t *testing.T) {
	c := &chip{}
	c.regs[regConfig] = configBias | configModeAuto
	_, err := New(c, &Opts{Wires: 3, Filter50Hz: true})
	require.NoError(t, err)

	assert.Equal(t, config3Wire|configFilt50Hz, c.regs[regConfig])
	assert.Equal(t, uint8(0xFF), c.regs[regHFaultMSB])
	assert.Equal(t, uint8(0xFF), c.regs[regHFaultLSB])
	assert.Equal(t, uint8(0), c.regs[regLFaultMSB])
	assert.Equal(t, uint8(0), c.regs[regLFaultLSB])
}

func TestNew_InvalidWires(t *testing.T) {
	_, err := New(&chip{}, &Opts{Wires: 5})
	assert.Error(t, err)
}

func TestReadRaw_OneShot(t *testing.T) {
	c := &chip{rtd: 0x3C1E << 1}
	d, slept := newDev(t, c, nil)

	raw, err := d.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3C1E), raw)
	assert.Equal(t, 1, c.conv)
	assert.True(t, c.biasOnAt1, "bias must be on during conversion")
	assert.Zero(t, c.regs[regConfig]&configBias, "bias must be off after the read")
	assert.Equal(t, []time.Duration{BiasSettle, ConversionTime}, *slept)
}

func TestReadRaw_BiasAlwaysOn(t *testing.T) {
	c := &chip{rtd: 0x2000 << 1}
	d, slept := newDev(t, c, &Opts{Wires: 4, BiasAlwaysOn: true})

	raw, err := d.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2000), raw)
	assert.NotZero(t, c.regs[regConfig]&configBias)
	assert.Equal(t, []time.Duration{ConversionTime}, *slept)
}

func TestReadRaw_Fault(t *testing.T) {
	c := &chip{rtd: 0x7FFF<<1 | 1}
	d, _ := newDev(t, c, nil)
	c.regs[regFaultStat] = 0x80

	_, err := d.ReadRaw()
	require.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "0x80")
	assert.Zero(t, c.regs[regFaultStat], "fault should be cleared")
}

func TestReadRaw_BusError(t *testing.T) {
	c := &chip{}
	d, _ := newDev(t, c, nil)
	c.err = errors.New("spi: timeout")

	_, err := d.ReadRaw()
	assert.ErrorContains(t, err, "spi: timeout")
}

func TestReadRaw_BiasOffError(t *testing.T) {
	c := &chip{rtd: 0x3C1E << 1, biasOffErr: errors.New("spi: nack")}
	d, _ := newDev(t, c, nil)

	raw, err := d.ReadRaw()
	assert.ErrorContains(t, err, "bias off: spi: nack")
	assert.Zero(t, raw)
	assert.Equal(t, 1, c.conv)
}

func TestConfig(t *testing.T) {
	c := &chip{}
	d, _ := newDev(t, c, &Opts{Wires: 3})
	cfg, err := d.Config()
	require.NoError(t, err)
	assert.Equal(t, config3Wire, cfg)
}

func TestHalt(t *testing.T) {
	c := &chip{}
	d, _ := newDev(t, c, &Opts{Wires: 2, BiasAlwaysOn: true})
	require.NoError(t, d.Halt())
	assert.Zero(t, c.regs[regConfig]&configBias)
}
