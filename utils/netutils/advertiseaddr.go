/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"fmt"
	"net"
	"strconv"
)

// GetAdvertiseAddress picks the address other processes should use to reach
// a service bound to bindAddress.
func GetAdvertiseAddress(bindAddress string) (string, error) {
	// a specific bind address is reachable as is.
	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	// if the bind address was also not provided, try to get it from the system.
	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}

// AdvertiseURL builds the url a storage node registers under.
func AdvertiseURL(scheme, advertiseAddress string, port int) string {
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(advertiseAddress, strconv.Itoa(port)))
}
