package bq2589x

// I2C byte-register operations.

func (d *Device) readReg(reg byte) (uint8, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}

func (d *Device) writeReg(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	return d.i2c.Tx(d.addr, d.w[:2], nil)
}

// updateReg replaces the bits in mask with val.
func (d *Device) updateReg(reg, mask, val byte) error {
	cur, err := d.readReg(reg)
	if err != nil {
		return err
	}
	next := cur&^mask | val&mask
	if next == cur {
		return nil
	}
	return d.writeReg(reg, next)
}

func (d *Device) setBits(reg, mask byte) error   { return d.updateReg(reg, mask, mask) }
func (d *Device) clearBits(reg, mask byte) error { return d.updateReg(reg, mask, 0) }
