// Package app はサブコマンドの解析と各起動モードの依存関係の組み立てを行う。
package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は所蔵・利用者APIサーバーとして起動する。
	CommandServe Command = "serve"
	// CommandWorker は状態差分の同期と処理済み差分の削除を行うワーカーとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認して終了する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	"serve":       CommandServe,
	"worker":      CommandWorker,
	"migrate":     CommandMigrate,
	"healthcheck": CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
