package cli

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

const iosShowVersion = `Cisco IOS Software, C3750E Software (C3750E-UNIVERSALK9-M), Version 15.2(4)E10, RELEASE SOFTWARE (fc2)
Technical Support: http://www.cisco.com/techsupport
ROM: Bootstrap program is C3750E boot loader
BOOTLDR: C3750E Boot Loader (C3750X-HBOOT-M) Version 15.2(3r)E, RELEASE SOFTWARE (fc1)

R1 uptime is 2 weeks, 3 days, 4 hours, 5 minutes
System returned to ROM by power-on
System image file is "flash:c3750e-universalk9-mz.152-4.E10.bin"

cisco WS-C3750X-48P (PowerPC405) processor (revision A0) with 262144K bytes of memory.
Processor board ID FDO1234X5YZ
Configuration register is 0xF`

const iosInterfaceBrief = `Interface              IP-Address      OK? Method Status                Protocol
GigabitEthernet0/0     10.0.0.1        YES NVRAM  up                    up
GigabitEthernet0/1     unassigned      YES unset  administratively down down
Loopback0              1.1.1.1         YES NVRAM  up                    up      `

const invalidInput = "% Invalid input detected at '^' marker."

// fakeIOS emulates enough of an IOS shell for the adapter: user and privileged
// modes, an enable password, configuration mode and a running configuration.
type fakeIOS struct {
	enableSecret string

	mu       sync.Mutex
	running  []string
	commands []string
}

func newFakeIOS(enableSecret string) *fakeIOS {
	return &fakeIOS{
		enableSecret: enableSecret,
		running: []string{
			"hostname R1",
			"enable secret " + enableSecret,
			"interface Loopback0",
			" ip address 1.1.1.1 255.255.255.255",
		},
	}
}

func (f *fakeIOS) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeIOS) serve(ch ssh.Channel) {
	mode := "user"
	prompt := func() string {
		switch mode {
		case "enabled":
			return "R1#"
		case "config":
			return "R1(config)#"
		case "config-if":
			return "R1(config-if)#"
		}
		return "R1>"
	}
	write := func(s string) { _, _ = io.WriteString(ch, s) }

	write("\r\n" + prompt())
	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		write(line + "\r\n")

		f.mu.Lock()
		f.commands = append(f.commands, line)
		f.mu.Unlock()

		if line == "enable" && mode == "user" {
			write("Password: ")
			secret, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(secret, "\r\n") == f.enableSecret {
				mode = "enabled"
				write("\r\n" + prompt())
			} else {
				write("\r\n% Access denied\r\n\r\n" + prompt())
			}
			continue
		}

		out := f.handle(&mode, line)
		if out != "" {
			write(strings.ReplaceAll(out, "\n", "\r\n") + "\r\n")
		}
		write(prompt())
	}
}

func (f *fakeIOS) handle(mode *string, line string) string {
	cmd := strings.TrimSpace(line)
	switch *mode {
	case "config", "config-if":
		switch {
		case cmd == "end":
			*mode = "enabled"
			return ""
		case cmd == "exit":
			if *mode == "config-if" {
				*mode = "config"
			} else {
				*mode = "enabled"
			}
			return ""
		case strings.HasPrefix(cmd, "bogus"):
			return invalidInput
		case strings.HasPrefix(cmd, "interface "):
			*mode = "config-if"
		}
		f.mu.Lock()
		if *mode == "config-if" && !strings.HasPrefix(cmd, "interface ") {
			line = " " + cmd
		} else {
			line = cmd
		}
		f.running = append(f.running, line)
		f.mu.Unlock()
		return ""
	}

	privileged := *mode == "enabled"
	switch cmd {
	case "terminal length 0":
		return ""
	case "show privilege":
		if privileged {
			return "Current privilege level is 15"
		}
		return "Current privilege level is 1"
	case "show version":
		return iosShowVersion
	case "show ip interface brief":
		return iosInterfaceBrief
	case "show clock":
		return "*10:00:00.000 UTC Mon Oct 19 2026"
	case "show running-config":
		if !privileged {
			return invalidInput
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return "Building configuration...\n\n" + strings.Join(f.running, "\n") + "\nend"
	case "configure terminal":
		if !privileged {
			return invalidInput
		}
		*mode = "config"
		return "Enter configuration commands, one per line.  End with CNTL/Z."
	}
	return invalidInput
}
