package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はモジュールとHTTPブリッジを起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はプロビジョニング用テーブルのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandProvision は鍵とユーザー表を生成して保存することを示す。
	CommandProvision Command = "provision"
	// CommandProtect はWAVファイルを保護済み楽曲に変換することを示す。
	CommandProtect Command = "protect"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe, CommandMigrate, CommandProvision, CommandProtect, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
