//go:build !linux

package aio

func listenNative(string, Options) (Listener, bool, error) {
	return nil, false, nil
}
