package frame

// fdDLCSteps are the valid CAN-FD payload lengths, in ascending order.
// Classical CAN lengths 0-8 are each their own step.
var fdDLCSteps = [...]int{8, 12, 16, 20, 24, 32, 48, 64}

// DLCPad rounds data up to the next valid CAN-FD DLC step, padding with
// fill. Lengths already on a classical boundary (0-8) or already equal
// to an FD step are returned unchanged (copied, never aliased).
func DLCPad(data []byte, fill byte) []byte {
	n := len(data)
	target := n
	switch {
	case n <= MaxClassicalLength:
		target = n
	default:
		target = n
		for _, step := range fdDLCSteps {
			if step >= n {
				target = step
				break
			}
		}
		if target < n {
			target = MaxFDLength
		}
	}
	out := make([]byte, target)
	copy(out, data)
	for i := n; i < target; i++ {
		out[i] = fill
	}
	return out
}
