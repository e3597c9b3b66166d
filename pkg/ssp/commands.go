package ssp

import "fmt"

// Commands is a typed wrapper over a Session: one function per wire command
// used by this daemon (spec §4.C). Each builds a fixed-layout little-endian
// payload and parses the reply into a typed result.
type Commands struct {
	S *Session
}

func NewCommands(s *Session) *Commands { return &Commands{S: s} }

// Sync issues the bare SYNC command.
func (c *Commands) Sync() error {
	return c.S.Sync()
}

// HostProtocol tells the device which SSP protocol version the host speaks.
func (c *Commands) HostProtocol(version byte) error {
	_, err := c.S.Send(CmdHostProtocol, []byte{version})
	return err
}

// SetupRequest reads the device's immutable configuration: unit type,
// firmware/dataset identifiers embedded elsewhere, and the channel table.
// Wire layout: unit_type(1) num_channels(1) { value(4 LE) cc(3 ascii) }*.
func (c *Commands) SetupRequest() (SetupInfo, error) {
	resp, err := c.S.Send(CmdSetupRequest, nil)
	if err != nil {
		return SetupInfo{}, err
	}
	if len(resp) < 2 {
		return SetupInfo{}, fmt.Errorf("ssp: setup_request: short response")
	}
	info := SetupInfo{UnitType: resp[0]}
	n := int(resp[1])
	off := 2
	for i := 0; i < n; i++ {
		if off+7 > len(resp) {
			return SetupInfo{}, fmt.Errorf("ssp: setup_request: truncated channel table")
		}
		value := int(decodeUint32(resp[off : off+4]))
		cc := string(resp[off+4 : off+7])
		info.Channels = append(info.Channels, Channel{Value: value, Currency: cc})
		off += 7
	}
	info.NumChannels = n
	return info, nil
}

// SetChannelInhibits sets the channel inhibit register: low covers channels
// 1-8, high covers channels 9-16 (unused by either device here, but part of
// the command's fixed layout).
func (c *Commands) SetChannelInhibits(low, high byte) error {
	_, err := c.S.Send(CmdSetInhibits, []byte{low, high})
	return err
}

// Enable enables note/coin acceptance.
func (c *Commands) Enable() error {
	_, err := c.S.Send(CmdEnable, nil)
	return err
}

// Disable disables note/coin acceptance.
func (c *Commands) Disable() error {
	_, err := c.S.Send(CmdDisable, nil)
	return err
}

// EnablePayout enables the payout/storage unit for the given unit type.
func (c *Commands) EnablePayout(unitType byte) error {
	_, err := c.S.Send(CmdEnablePayoutDevice, []byte{unitType})
	return err
}

// DisablePayout disables the payout/storage unit.
func (c *Commands) DisablePayout() error {
	_, err := c.S.Send(CmdDisablePayoutDevice, nil)
	return err
}

// SetCoinMechInhibits enables or disables acceptance of one coin
// denomination. Wire layout: value(4 LE) cc(3 ascii) enabled(1).
func (c *Commands) SetCoinMechInhibits(value int, cc string, enabled bool) error {
	payload := encodeAmountCC(value, cc)
	if enabled {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	_, err := c.S.Send(CmdSetCoinMechInhibits, payload)
	return err
}

// SetRoute configures which module (cashbox or storage) a denomination
// routes to. Wire layout: value(4 LE) cc(3 ascii) route(1).
func (c *Commands) SetRoute(value int, cc string, route byte) error {
	payload := append(encodeAmountCC(value, cc), route)
	_, err := c.S.Send(CmdSetRouting, payload)
	return err
}

// Poll issues POLL and parses the raw event vector. Wire layout:
// event_count(1) { event_id(1) [data...] }*, where the data depends on the
// event ID: a 1-byte channel/subcode, a 4-byte LE amount, a 4-byte amount
// plus cc(3 ascii), two 4-byte amounts plus cc, or nothing.
func (c *Commands) Poll() (PollResult, error) {
	resp, err := c.S.Send(CmdPoll, nil)
	if err != nil {
		return PollResult{}, err
	}
	if len(resp) == 0 {
		return PollResult{}, nil
	}
	n := int(resp[0])
	off := 1
	var out PollResult
	for i := 0; i < n && off < len(resp); i++ {
		id := PollEvent(resp[off])
		off++
		ev := RawEvent{ID: id}
		switch id {
		case EvtRead, EvtCredit, EvtFraudAttempt:
			if off < len(resp) {
				ev.Data1 = int(resp[off])
				off++
			}
		case EvtIncompletePayout, EvtIncompleteFloat:
			// dispensed(4 LE) requested(4 LE) cc(3 ascii)
			if off+11 <= len(resp) {
				ev.Data1 = int(decodeUint32(resp[off : off+4]))
				ev.Data2 = int(decodeUint32(resp[off+4 : off+8]))
				ev.Currency = string(resp[off+8 : off+11])
				off += 11
			}
		case EvtFloating, EvtFloated,
			EvtCashboxPaid, EvtCoinCredit, EvtSmartEmptying, EvtSmartEmptied:
			if off+7 <= len(resp) {
				ev.Data1 = int(decodeUint32(resp[off : off+4]))
				ev.Currency = string(resp[off+4 : off+7])
				off += 7
			}
		case EvtDispensing, EvtDispensed:
			if off+4 <= len(resp) {
				ev.Data1 = int(decodeUint32(resp[off : off+4]))
				off += 4
			}
		case EvtCalibrationFail:
			if off < len(resp) {
				ev.Data1 = int(resp[off])
				off++
			}
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

// Payout dispenses amount (minor units) of currency cc. option is
// OptTest or OptDo.
func (c *Commands) Payout(amount int, cc string, option byte) error {
	payload := append(encodeAmountCC(amount, cc), option)
	_, err := c.S.Send(CmdPayout, payload)
	return err
}

// Float ejects notes/coins until the module holds exactly keepAmount.
func (c *Commands) Float(minValue int, keepAmount int, cc string, option byte) error {
	payload := make([]byte, 0, 4+4+3+1)
	payload = append(payload, encodeUint32(minValue)...)
	payload = append(payload, encodeAmountCC(keepAmount, cc)...)
	payload = append(payload, option)
	_, err := c.S.Send(CmdFloat, payload)
	return err
}

// Empty empties the module into the cashbox.
func (c *Commands) Empty() error {
	_, err := c.S.Send(CmdEmpty, nil)
	return err
}

// SmartEmpty empties the module while keeping a float.
func (c *Commands) SmartEmpty() error {
	_, err := c.S.Send(CmdSmartEmpty, nil)
	return err
}

// LastRejectNote returns the reason code for the most recently rejected
// note.
func (c *Commands) LastRejectNote() (byte, error) {
	resp, err := c.S.Send(CmdLastRejectNote, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("ssp: last_reject_note: short response")
	}
	return resp[0], nil
}

// SetDenominationLevel sets the coin level for a denomination. As documented
// in spec §4.C/§9, setting an absolute value requires level==0; to set level
// N, the caller must first invoke this with level 0, then again with N — the
// two-step sequence is not performed automatically here so callers that
// don't need the quirk (simple zeroing) aren't forced through two exchanges.
func (c *Commands) SetDenominationLevel(amount int, level int, cc string) error {
	payload := make([]byte, 0, 4+2+3)
	payload = append(payload, encodeUint32(amount)...)
	payload = append(payload, byte(level), byte(level>>8))
	payload = append(payload, []byte(padCC(cc))...)
	_, err := c.S.Send(CmdSetDenominationLvl, payload)
	return err
}

// GetAllLevels returns the coin level of every channel.
func (c *Commands) GetAllLevels() ([]Level, error) {
	resp, err := c.S.Send(CmdGetAllLevels, nil)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	n := int(resp[0])
	off := 1
	levels := make([]Level, 0, n)
	for i := 0; i < n; i++ {
		if off+9 > len(resp) {
			return nil, fmt.Errorf("ssp: get_all_levels: truncated")
		}
		value := int(decodeUint32(resp[off : off+4]))
		level := int(resp[off+4]) | int(resp[off+5])<<8
		cc := string(resp[off+6 : off+9])
		levels = append(levels, Level{Value: value, Level: level, Currency: cc})
		off += 9
	}
	return levels, nil
}

// SetRefillMode puts the device into refill mode (sent to the validator
// during its initialization).
func (c *Commands) SetRefillMode() error {
	_, err := c.S.Send(CmdSetRefillMode, nil)
	return err
}

// GetFirmwareVersion returns the 16-byte ASCII firmware version string.
func (c *Commands) GetFirmwareVersion() (string, error) {
	resp, err := c.S.Send(CmdGetFirmwareVersion, nil)
	if err != nil {
		return "", err
	}
	return trimASCII(resp), nil
}

// GetDatasetVersion returns the 8-byte ASCII dataset version string.
func (c *Commands) GetDatasetVersion() (string, error) {
	resp, err := c.S.Send(CmdGetDatasetVersion, nil)
	if err != nil {
		return "", err
	}
	return trimASCII(resp), nil
}

// ChannelSecurityData is a diagnostic passthrough: returns the raw response
// bytes unparsed.
func (c *Commands) ChannelSecurityData() ([]byte, error) {
	return c.S.Send(CmdChannelSecurity, nil)
}

// RunCalibration runs the device's self-calibration routine.
func (c *Commands) RunCalibration() error {
	_, err := c.S.Send(CmdRunCalibration, nil)
	return err
}

// ConfigureBezel sets the validator's illuminated bezel color. If volatile
// is true the setting does not survive a power cycle.
func (c *Commands) ConfigureBezel(r, g, b byte, volatile bool) error {
	v := byte(0)
	if volatile {
		v = 1
	}
	_, err := c.S.Send(CmdConfigureBezel, []byte{r, g, b, v})
	return err
}

func encodeUint32(v int) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func padCC(cc string) string {
	for len(cc) < 3 {
		cc += " "
	}
	return cc[:3]
}

func encodeAmountCC(value int, cc string) []byte {
	out := encodeUint32(value)
	return append(out, []byte(padCC(cc))...)
}

func trimASCII(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == 0 || b[i-1] == ' ') {
		i--
	}
	return string(b[:i])
}
