// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package preset 管理连接预设（后端类型、地址、模型、API Key 列表）、
当前激活的预设以及按名称保存的提示词预设。

Manager 是内存视图，所有修改先写入 Store（GormStore 或 MemoryStore），
成功后再更新内存；Key 列表按插入顺序保存，删除使用 1 起始的序号。
*/
package preset
