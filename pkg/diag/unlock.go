package diag

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	sidSecurityAccess = 0x27
	subFuncSeed       = 0x11
	subFuncSendKey    = 0x12
	positiveSecurity  = sidSecurityAccess + 0x40
)

// ErrKeyGeneratorNotConfigured is returned by UnlockSecurity when no
// external key generator was set via WithKeyGenerator.
var ErrKeyGeneratorNotConfigured = errors.New("diag: no key generator configured")

// ErrDiagTimeout is returned when a diagnostic exchange does not
// complete within its timeout.
var ErrDiagTimeout = errors.New("diag: timed out waiting for response")

// UnlockSecurity runs the Seed-and-Key handshake: request seed (27 11),
// invoke the external key generator, submit the key (27 12 + key).
// Success iff the final response is not an NRC (spec §4.F
// "unlock_security", §8 scenario S5).
func (h *Helper) UnlockSecurity(timeout time.Duration, ecuID ...any) (bool, error) {
	if h.keyGenExec == "" {
		return false, ErrKeyGeneratorNotConfigured
	}

	if err := h.Send([]byte{sidSecurityAccess, subFuncSeed}, ecuID...); err != nil {
		return false, err
	}
	seedResp, ok := h.Receive(timeout, ecuID...)
	if !ok {
		return false, ErrDiagTimeout
	}
	if len(seedResp) < 2 || seedResp[0] == 0x7F {
		return false, nil
	}
	if seedResp[0] != positiveSecurity || seedResp[1] != subFuncSeed {
		return false, fmt.Errorf("diag: unexpected seed response % X", seedResp)
	}
	seed := seedResp[2:]

	key, err := h.generateKey(seed)
	if err != nil {
		return false, err
	}

	req := make([]byte, 0, 2+len(key))
	req = append(req, sidSecurityAccess, subFuncSendKey)
	req = append(req, key...)
	if err := h.Send(req, ecuID...); err != nil {
		return false, err
	}
	keyResp, ok := h.Receive(timeout, ecuID...)
	if !ok {
		return false, ErrDiagTimeout
	}
	// Per S5: a leading 0x7F returns false without retry.
	if len(keyResp) == 0 || keyResp[0] == 0x7F {
		return false, nil
	}
	return true, nil
}

// generateKey invokes the configured subprocess with (library_path,
// seed_hex_uppercase) and parses its stdout as a single hex token (spec
// §6 "External key generator").
func (h *Helper) generateKey(seed []byte) ([]byte, error) {
	seedHex := strings.ToUpper(hex.EncodeToString(seed))

	ctx, cancel := context.WithTimeout(context.Background(), h.keyGenTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.keyGenExec, h.keyGenLibrary, seedHex)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("diag: key generator failed: %w", err)
	}

	token := strings.TrimSpace(string(out))
	key, err := hex.DecodeString(strings.ToLower(token))
	if err != nil {
		return nil, fmt.Errorf("diag: key generator returned unparseable hex %q: %w", token, err)
	}
	return key, nil
}
