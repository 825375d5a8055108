package routeros

import (
	"context"
	"fmt"
	"strings"

	ros "github.com/go-routeros/routeros/v3"

	"github.com/hotspotmesh/relay/pkg/config"
	"github.com/hotspotmesh/relay/pkg/errclass"
	"github.com/hotspotmesh/relay/pkg/log"
)

// APIExecutor runs commands over the RouterOS binary API. Commands are
// written in CLI form and translated to API sentences; `remove [find
// key=value]` expands to a print query followed by a remove by id.
type APIExecutor struct{}

func (APIExecutor) Run(ctx context.Context, node *config.RouterNode, commands []string) (*Result, error) {
	result := &Result{OK: true, Host: node.Host, Commands: commands}
	if res := validate(node.Host, commands); res != nil {
		return res, nil
	}

	logger := log.WithRouterID(node.ID)

	addr := fmt.Sprintf("%s:%d", node.Host, node.Port)
	client, err := ros.DialTimeout(addr, node.User, node.Password, node.Timeout)
	if err != nil {
		coded := errclass.Normalize(err)
		result.OK = false
		result.Errors = append(result.Errors, CommandError{
			Cmd: "CONNECTION_SETUP", Message: coded.Message, Code: coded.Code,
		})
		logger.Error().Str("code", coded.Code).Str("host", node.Host).
			Msg("Device connection failed")
		return result, coded
	}
	defer client.Close()

	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			coded := errclass.Normalize(err)
			result.OK = false
			result.Errors = append(result.Errors, CommandError{
				Cmd: "EXEC", Message: coded.Message, Code: coded.Code,
			})
			return result, coded
		}
		if err := runCommand(client, cmd); err != nil {
			coded := errclass.Normalize(err)
			result.OK = false
			result.Errors = append(result.Errors, CommandError{
				Cmd: fmt.Sprintf("#%d", i+1), Message: coded.Message, Code: coded.Code,
			})
			logger.Error().Str("code", coded.Code).Int("command", i+1).
				Msg("Device command failed")
		}
	}

	return result, nil
}

func runCommand(client *ros.Client, cmd string) error {
	path, args, find, err := parseCommand(cmd)
	if err != nil {
		return err
	}
	if find == nil {
		_, err := client.RunArgs(toSentence(path, args, nil))
		return err
	}

	// find form: print matching ids, then act on them
	base := strings.TrimSuffix(path, "/"+lastSegment(path))
	reply, err := client.RunArgs(toSentence(base+"/print", nil, find))
	if err != nil {
		return err
	}
	var ids []string
	for _, re := range reply.Re {
		if id, ok := re.Map[".id"]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = client.RunArgs(toSentence(path, map[string]string{"numbers": strings.Join(ids, ",")}, nil))
	return err
}

func toSentence(path string, args map[string]string, query map[string]string) []string {
	sentence := []string{path}
	for k, v := range args {
		sentence = append(sentence, "="+k+"="+v)
	}
	for k, v := range query {
		sentence = append(sentence, "?"+k+"="+v)
	}
	return sentence
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// parseCommand splits a CLI-style command into an API path, key=value
// arguments, and an optional `[find ...]` selector.
func parseCommand(cmd string) (path string, args map[string]string, find map[string]string, err error) {
	cmd = strings.TrimSpace(cmd)
	if !strings.HasPrefix(cmd, "/") {
		return "", nil, nil, errclass.NewCoded(errclass.CodeRouterProtocolError,
			fmt.Sprintf("malformed command: %q", cmd))
	}

	if open := strings.Index(cmd, "[find"); open >= 0 {
		closing := strings.LastIndex(cmd, "]")
		if closing < open {
			return "", nil, nil, errclass.NewCoded(errclass.CodeRouterProtocolError,
				fmt.Sprintf("malformed find selector: %q", cmd))
		}
		find = map[string]string{}
		for _, tok := range strings.Fields(cmd[open+len("[find") : closing]) {
			k, v, ok := strings.Cut(tok, "=")
			if ok {
				find[k] = unquote(v)
			}
		}
		cmd = strings.TrimSpace(cmd[:open])
	}

	var pathParts []string
	args = map[string]string{}
	for _, tok := range tokenize(cmd) {
		if k, v, ok := strings.Cut(tok, "="); ok {
			args[k] = unquote(v)
			continue
		}
		pathParts = append(pathParts, strings.TrimPrefix(tok, "/"))
	}
	if len(pathParts) == 0 {
		return "", nil, nil, errclass.NewCoded(errclass.CodeRouterProtocolError,
			fmt.Sprintf("malformed command: %q", cmd))
	}
	return "/" + strings.Join(pathParts, "/"), args, find, nil
}

// tokenize splits on spaces while keeping double-quoted values intact.
func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

func unquote(v string) string {
	return strings.Trim(v, `"`)
}
