//go:build !linux

package dgr

func (ap *AccessPoint) readLoop() error {
	return ap.defaultReadLoop()
}
