// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sockopt wraps the Linux socket options that transparent
// proxying depends on.
//
// Two mechanisms recover the destination a client originally addressed
// before netfilter redirected it to the proxy:
//
//   - Stream connections redirected with REDIRECT/DNAT expose it through
//     getsockopt(SOL_IP, SO_ORIGINAL_DST) on the accepted socket
//     ([OriginalDestination], [OriginalDestinationFD]).
//   - Datagrams received on a socket with IP_RECVORIGDSTADDR enabled carry
//     it as an IP_ORIGDSTADDR control message ([ParseOriginalDestination]).
//
// [SetTransparent] enables IP_TRANSPARENT, which lets a socket receive
// traffic for, and bind to, addresses that are not local. It requires
// CAP_NET_ADMIN.
//
// Only IPv4 is supported. Addresses cross the package boundary as
// [netip.AddrPort].
package sockopt
