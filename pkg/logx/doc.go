// Package logx はzerologをベースにした構造化ロガーを提供する。
//
// 全サービス共通でこのパッケージを経由してログを出力する。
// フィールドは String() や Err() などのヘルパーで組み立て、
// コンソール形式とJSON形式のどちらでも同じ呼び出し方で出力できる。
// ログレベルはプロセス全体で共有され、SetLevel で実行中に変更できる。
package logx
