// Command fgp starts, stops, inspects and calls local gateway services.
package main
