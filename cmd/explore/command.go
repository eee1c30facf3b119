package main

import (
	"errors"
	"fmt"
	"strings"
)

const usage = `commands: search <text> | list | join <n|post id> | post <title> | quit`

type commandName string

const (
	cmdSearch commandName = "search"
	cmdList   commandName = "list"
	cmdJoin   commandName = "join"
	cmdPost   commandName = "post"
	cmdQuit   commandName = "quit"
)

type command struct {
	name commandName
	arg  string
}

// parseCommand splits line into a command word and its argument. The search
// argument is kept verbatim, including surrounding whitespace.
func parseCommand(line string) (command, error) {
	word, rest, _ := strings.Cut(strings.TrimLeft(line, " \t"), " ")
	name := commandName(strings.ToLower(word))

	switch name {
	case cmdSearch:
		return command{name: name, arg: rest}, nil
	case cmdList, cmdQuit:
		return command{name: name}, nil
	case cmdJoin, cmdPost:
		arg := strings.TrimSpace(rest)
		if arg == "" {
			return command{}, fmt.Errorf("%s needs an argument", name)
		}
		return command{name: name, arg: arg}, nil
	case "":
		return command{}, errors.New("empty command")
	default:
		return command{}, fmt.Errorf("unknown command %q", word)
	}
}
