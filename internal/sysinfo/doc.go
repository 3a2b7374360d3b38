// Package sysinfo implements the methods of the system service: hardware,
// load, memory, disks, network interfaces and processes of the local host,
// each cached for a short time.
package sysinfo
